package dialog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ask(c *Coordinator, ctx context.Context, question string) (Result, error) {
	return c.Ask(ctx, Request{
		CorrelationID: "corr-1",
		ClientID:      "client-1",
		Question:      question,
	})
}

func TestAskAnswered(t *testing.T) {
	var mu sync.Mutex
	var asked []Request
	c := NewCoordinator(func(r Request) {
		mu.Lock()
		asked = append(asked, r)
		mu.Unlock()
	})

	done := make(chan Result, 1)
	go func() {
		result, err := ask(c, context.Background(), "Which branch?")
		require.NoError(t, err)
		done <- result
	}()

	// Wait for the question to surface.
	require.Eventually(t, func() bool { return c.ActiveID() != "" }, time.Second, time.Millisecond)

	require.NoError(t, c.HandleResponse(c.ActiveID(), "corr-1", "main"))

	result := <-done
	assert.True(t, result.Accepted)
	assert.Equal(t, "main", result.Answer)
	assert.False(t, result.ClosedByUser)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, asked, 1)
	assert.Equal(t, "Which branch?", asked[0].Question)
	assert.Equal(t, "corr-1", asked[0].CorrelationID)
	assert.NotEmpty(t, asked[0].ID, "the coordinator assigns the dialog id")
}

func TestAskClosed(t *testing.T) {
	c := NewCoordinator(func(Request) {})

	done := make(chan Result, 1)
	go func() {
		result, _ := ask(c, context.Background(), "q")
		done <- result
	}()

	require.Eventually(t, func() bool { return c.ActiveID() != "" }, time.Second, time.Millisecond)
	require.NoError(t, c.HandleClose(c.ActiveID(), "corr-1"))

	result := <-done
	assert.False(t, result.Accepted)
	assert.True(t, result.ClosedByUser)
}

func TestAskTimeout(t *testing.T) {
	c := NewCoordinator(func(Request) {}, WithTimeout(20*time.Millisecond))

	result, err := ask(c, context.Background(), "q")
	require.NoError(t, err)
	assert.True(t, result.ClosedByUser)
	assert.False(t, result.Accepted)
}

func TestMismatchedIDsRejected(t *testing.T) {
	c := NewCoordinator(func(Request) {})

	assert.Error(t, c.HandleResponse("bogus", "corr-1", "x"), "no dialog active")
	assert.Error(t, c.HandleClose("bogus", "corr-1"))

	go ask(c, context.Background(), "q")
	require.Eventually(t, func() bool { return c.ActiveID() != "" }, time.Second, time.Millisecond)

	// Wrong dialog id.
	assert.Error(t, c.HandleResponse("not-the-active-one", "corr-1", "x"))
	// Right dialog id, wrong correlation id: rejected, dialog stays open.
	assert.Error(t, c.HandleResponse(c.ActiveID(), "stale-corr", "x"))
	assert.Error(t, c.HandleClose(c.ActiveID(), "stale-corr"))
	assert.NotEmpty(t, c.ActiveID(), "rejected callbacks leave the dialog open")

	require.NoError(t, c.HandleClose(c.ActiveID(), "corr-1"))
}

func TestCloseBroadcastOnResolution(t *testing.T) {
	var mu sync.Mutex
	var closed []string
	c := NewCoordinator(func(Request) {},
		WithOnClose(func(clientID, dialogID string) {
			mu.Lock()
			closed = append(closed, clientID+"/"+dialogID)
			mu.Unlock()
		}),
		WithTimeout(20*time.Millisecond))

	// Timeout resolution still broadcasts the close.
	_, err := ask(c, context.Background(), "q")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closed, 1)
	assert.Contains(t, closed[0], "client-1/")
}

func TestAskSerialized(t *testing.T) {
	c := NewCoordinator(func(Request) {})

	results := make(chan string, 2)
	var wg sync.WaitGroup
	for _, q := range []string{"first", "second"} {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			r, err := ask(c, context.Background(), q)
			require.NoError(t, err)
			results <- r.Answer
		}(q)
	}

	// Answer two dialogs in sequence; only one is ever active.
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return c.ActiveID() != "" }, time.Second, time.Millisecond)
		id := c.ActiveID()
		require.NoError(t, c.HandleResponse(id, "corr-1", "answer"))
		require.Eventually(t, func() bool { return c.ActiveID() != id }, time.Second, time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, "answer", <-results)
	assert.Equal(t, "answer", <-results)
}

func TestAskContextCancelled(t *testing.T) {
	c := NewCoordinator(func(Request) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ask(c, ctx, "q")
		done <- err
	}()

	require.Eventually(t, func() bool { return c.ActiveID() != "" }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
