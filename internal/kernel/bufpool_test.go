package kernel

import (
	"testing"
	"time"
)

func TestBufPoolBackpressure(t *testing.T) {
	k := newTestKernel(t)
	pool, err := k.CreateBufPool(1, 64)
	if err != nil {
		t.Fatalf("CreateBufPool: %v", err)
	}

	gotFirst := make(chan *Buf, 1)
	gotSecond := make(chan struct{}, 1)
	holder, err := k.CreateThread("holder", 20, 0, func(self *Self) int {
		buf, err := pool.Get(self)
		if err != nil {
			t.Errorf("Get: %v", err)
		}
		gotFirst <- buf
		return 0
	})
	if err != nil {
		t.Fatalf("CreateThread(holder): %v", err)
	}
	k.Ready(holder)

	buf := <-gotFirst

	contender, err := k.CreateThread("contender", 20, 1, func(self *Self) int {
		if _, err := pool.Get(self); err != nil {
			t.Errorf("Get: %v", err)
		}
		close(gotSecond)
		return 0
	})
	if err != nil {
		t.Fatalf("CreateThread(contender): %v", err)
	}
	k.Ready(contender)

	select {
	case <-gotSecond:
		t.Fatal("second Get succeeded before the only buffer was returned")
	case <-time.After(30 * time.Millisecond):
	}

	if err := pool.Put(buf); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case <-gotSecond:
	case <-time.After(time.Second):
		t.Fatal("contender never acquired the returned buffer")
	}
}

func TestBufPoolRejectsDoubleFree(t *testing.T) {
	k := newTestKernel(t)
	pool, _ := k.CreateBufPool(2, 16)
	selfDone := make(chan error, 1)
	freer, err := k.CreateThread("freer", 20, 0, func(self *Self) int {
		buf, err := pool.Get(self)
		if err != nil {
			selfDone <- err
			return 1
		}
		if err := pool.Put(buf); err != nil {
			selfDone <- err
			return 1
		}
		selfDone <- pool.Put(buf)
		return 0
	})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	k.Ready(freer)
	select {
	case err := <-selfDone:
		if err == nil {
			t.Error("second Put of the same buffer should fail")
		}
	case <-time.After(time.Second):
		t.Fatal("freer never completed")
	}
}
