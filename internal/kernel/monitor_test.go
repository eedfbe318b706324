package kernel

import (
	"testing"
	"time"
)

func TestMonitorRecursiveEnterBalancedExit(t *testing.T) {
	k := newTestKernel(t)
	mon, err := k.CreateMonitor()
	if err != nil {
		t.Fatalf("CreateMonitor: %v", err)
	}
	done := make(chan error, 1)
	reentrant, err := k.CreateThread("reentrant", 20, 0, func(self *Self) int {
		if err := self.MonitorEnter(mon); err != nil {
			done <- err
			return 1
		}
		if err := self.MonitorEnter(mon); err != nil { // nested re-entry
			done <- err
			return 1
		}
		if err := self.MonitorExit(mon); err != nil {
			done <- err
			return 1
		}
		if err := self.MonitorExit(mon); err != nil {
			done <- err
			return 1
		}
		done <- nil
		return 0
	})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	k.Ready(reentrant)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("recursive enter/exit: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("thread never completed")
	}

	// Monitor should be free again: another thread can enter without blocking.
	ran := make(chan struct{})
	second, err := k.CreateThread("second", 20, 0, func(self *Self) int {
		if err := self.MonitorEnter(mon); err != nil {
			t.Errorf("MonitorEnter after release: %v", err)
		}
		self.MonitorExit(mon)
		close(ran)
		return 0
	})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	k.Ready(second)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("monitor remained held after balanced exit")
	}
}

func TestMonitorExcludesNonOwner(t *testing.T) {
	k := newTestKernel(t)
	mon, _ := k.CreateMonitor()
	entered := make(chan struct{})
	release := make(chan struct{})
	second := make(chan struct{})

	holder, err := k.CreateThread("holder", 20, 0, func(self *Self) int {
		self.MonitorEnter(mon)
		close(entered)
		<-release
		self.MonitorExit(mon)
		return 0
	})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	k.Ready(holder)
	<-entered

	contender, err := k.CreateThread("contender", 20, 1, func(self *Self) int {
		self.MonitorEnter(mon)
		close(second)
		self.MonitorExit(mon)
		return 0
	})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	k.Ready(contender)

	select {
	case <-second:
		t.Fatal("contender entered monitor while holder still owned it")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("contender never entered after release")
	}
}
