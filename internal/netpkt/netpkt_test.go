package netpkt

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/corvid-os/corvid/internal/kernel"
	"github.com/corvid-os/corvid/testkit"
)

func TestPoolGetPrependTrim(t *testing.T) {
	k := testkit.NewKernel(t)
	pool, err := NewPool(k, 4)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	done := make(chan error, 1)
	testkit.RunThread(t, k, "test", 20, func(self *kernel.Self) int {
		pkt, err := pool.Get(self)
		if err != nil {
			done <- err
			return 0
		}
		if pkt.Len() != 0 {
			done <- fmt.Errorf("fresh packet has length %d, want 0", pkt.Len())
			return 0
		}
		payload := []byte("payload")
		hdr, err := pkt.Prepend(len(payload))
		if err != nil {
			done <- err
			return 0
		}
		copy(hdr, payload)
		if !bytes.Equal(pkt.Data(), payload) {
			done <- fmt.Errorf("Data() = %q, want %q", pkt.Data(), payload)
			return 0
		}
		if err := pkt.TrimFront(3); err != nil {
			done <- err
			return 0
		}
		if !bytes.Equal(pkt.Data(), payload[3:]) {
			done <- fmt.Errorf("Data() after TrimFront = %q, want %q", pkt.Data(), payload[3:])
			return 0
		}
		if err := pool.Put(pkt); err != nil {
			done <- err
			return 0
		}
		done <- nil
		return 0
	})

	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestPoolFromWire(t *testing.T) {
	k := testkit.NewKernel(t)
	pool, err := NewPool(k, 4)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	frame := []byte{1, 2, 3, 4, 5}
	done := make(chan error, 1)
	testkit.RunThread(t, k, "test", 20, func(self *kernel.Self) int {
		pkt, err := pool.FromWire(self, frame)
		if err != nil {
			done <- err
			return 0
		}
		if !bytes.Equal(pkt.Data(), frame) {
			done <- fmt.Errorf("Data() = %v, want %v", pkt.Data(), frame)
			return 0
		}
		if pkt.Cap() <= 0 {
			done <- fmt.Errorf("FromWire left no headroom to prepend a header")
			return 0
		}
		done <- nil
		return 0
	})
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestHeaderAndData(t *testing.T) {
	k := testkit.NewKernel(t)
	pool, err := NewPool(k, 4)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	done := make(chan error, 1)
	testkit.RunThread(t, k, "test", 20, func(self *kernel.Self) int {
		pkt, err := pool.Get(self)
		if err != nil {
			done <- err
			return 0
		}
		if _, err := pkt.Prepend(4); err != nil {
			done <- err
			return 0
		}
		pkt.NetHdr = pkt.Cap()
		if _, err := pkt.Prepend(2); err != nil {
			done <- err
			return 0
		}
		if got := pkt.HeaderAndData(); len(got) != 4 {
			done <- fmt.Errorf("HeaderAndData() length = %d, want 4", len(got))
			return 0
		}
		done <- nil
		return 0
	})
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
