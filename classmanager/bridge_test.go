package classmanager

import (
	"sync"
	"testing"
	"time"

	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/require"

	"github.com/starksync/node/store"
)

func TestChannelBridgeDelivers(t *testing.T) {
	var mu sync.Mutex
	var got []Submission
	sink := func(s Submission) error {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		return nil
	}

	b := NewChannelBridge(sink, 16, 2, log.New())
	defer b.Close()

	var hash store.Felt
	hash[31] = 0x01
	b.Submit(Submission{ClassHash: hash, CASM: []byte("casm")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestChannelBridgeDedupesAfterSuccess(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	sink := func(s Submission) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}

	b := NewChannelBridge(sink, 16, 1, log.New())
	defer b.Close()

	var hash store.Felt
	hash[31] = 0x02
	b.Submit(Submission{ClassHash: hash})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	// A second submission of the same class hash, after the first was
	// confirmed, must not reach the sink again.
	b.Submit(Submission{ClassHash: hash})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()
}

func TestChannelBridgeDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	sink := func(s Submission) error {
		<-block
		return nil
	}
	b := NewChannelBridge(sink, 1, 1, log.New())
	defer func() {
		close(block)
		b.Close()
	}()

	for i := 0; i < 10; i++ {
		var hash store.Felt
		hash[31] = byte(i)
		b.Submit(Submission{ClassHash: hash})
	}
	// Submit must never block the caller even with a full queue and a
	// stuck worker; reaching this line at all is the assertion.
}
