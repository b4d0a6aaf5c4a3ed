package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func waitQueued(t *testing.T, rc *renewalCoordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rc.mu.Lock()
		got := len(rc.queue)
		rc.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached %d waiters", n)
}

func TestReplayPreservesArrivalOrder(t *testing.T) {
	release := make(chan struct{})
	var (
		mu       sync.Mutex
		replayed []string
		renews   int
	)
	rc := &renewalCoordinator{
		current: func() string { return "old" },
		renew: func(context.Context) (string, error) {
			mu.Lock()
			renews++
			mu.Unlock()
			<-release
			return "new", nil
		},
		replay: func(_ context.Context, req Request, token string) (*Response, error) {
			if token != "new" {
				t.Errorf("replayed %s with %q", req.Path, token)
			}
			mu.Lock()
			replayed = append(replayed, req.Path)
			mu.Unlock()
			return &Response{StatusCode: http.StatusOK}, nil
		},
		failed: func(context.Context, error) { t.Error("failed called on success") },
	}

	paths := []string{"/a", "/b", "/c", "/d"}
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			resp, err := rc.renewAndRetry(&pendingRequest{ctx: context.Background(), req: Request{Path: p}, sentWith: "old", retried: true})
			if err != nil || resp.StatusCode != http.StatusOK {
				t.Errorf("%s: resp %v err %v", p, resp, err)
			}
		}(p)
		waitQueued(t, rc, i+1)
	}
	close(release)
	wg.Wait()

	if renews != 1 {
		t.Errorf("renew calls = %d, want 1", renews)
	}
	if len(replayed) != len(paths) {
		t.Fatalf("replayed = %v", replayed)
	}
	for i := range paths {
		if replayed[i] != paths[i] {
			t.Fatalf("replay order = %v, want %v", replayed, paths)
		}
	}
	deadline := time.Now().Add(time.Second)
	for {
		rc.mu.Lock()
		st := rc.state
		rc.mu.Unlock()
		if st == stateIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("coordinator not idle after drain")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRenewalFailureRejectsAllWaiters(t *testing.T) {
	release := make(chan struct{})
	failures := 0
	rc := &renewalCoordinator{
		current: func() string { return "old" },
		renew: func(context.Context) (string, error) {
			<-release
			return "", errors.New("refresh rejected")
		},
		replay: func(context.Context, Request, string) (*Response, error) {
			t.Error("replay after failed renewal")
			return nil, nil
		},
		failed: func(context.Context, error) { failures++ },
	}

	const n = 3
	errs := make(chan error, n)
	for i := range n {
		go func() {
			_, err := rc.renewAndRetry(&pendingRequest{ctx: context.Background(), sentWith: "old", retried: true})
			errs <- err
		}()
		waitQueued(t, rc, i+1)
	}
	close(release)
	for range n {
		if err := <-errs; !errors.Is(err, ErrSessionExpired) {
			t.Errorf("err = %v, want ErrSessionExpired", err)
		}
	}
	if failures != 1 {
		t.Errorf("failed called %d times, want 1", failures)
	}
}

func TestAlreadyRenewedReplaysWithoutRenewal(t *testing.T) {
	rc := &renewalCoordinator{
		current: func() string { return "new" },
		renew: func(context.Context) (string, error) {
			t.Error("renewal started for a request sent with a superseded token")
			return "", nil
		},
		replay: func(_ context.Context, _ Request, token string) (*Response, error) {
			return &Response{StatusCode: http.StatusOK, Body: []byte(token)}, nil
		},
		failed: func(context.Context, error) {},
	}
	resp, err := rc.renewAndRetry(&pendingRequest{ctx: context.Background(), sentWith: "old", retried: true})
	if err != nil || string(resp.Body) != "new" {
		t.Errorf("resp %v err %v", resp, err)
	}
}

func TestEndedSessionRejectsWithoutRenewal(t *testing.T) {
	rc := &renewalCoordinator{
		current: func() string { return "" },
		renew: func(context.Context) (string, error) {
			t.Error("renewal started without a credential")
			return "", nil
		},
		failed: func(context.Context, error) { t.Error("failed fired twice for one session") },
	}
	_, err := rc.renewAndRetry(&pendingRequest{ctx: context.Background(), sentWith: "old", retried: true})
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("err = %v, want ErrSessionExpired", err)
	}
}

func TestWaiterContextCanceled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	rc := &renewalCoordinator{
		current: func() string { return "old" },
		renew: func(context.Context) (string, error) {
			<-release
			return "new", nil
		},
		replay: func(context.Context, Request, string) (*Response, error) {
			return &Response{StatusCode: http.StatusOK}, nil
		},
		failed: func(context.Context, error) {},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rc.renewAndRetry(&pendingRequest{ctx: ctx, sentWith: "old", retried: true})
		done <- err
	}()
	waitQueued(t, rc, 1)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled waiter did not return")
	}
}
