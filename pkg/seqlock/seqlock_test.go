package seqlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeqLockReadWrite(t *testing.T) {
	var lock SeqLock
	var value int64

	lock.WriteBegin()
	value = 42
	lock.WriteEnd()

	seq := lock.ReadBegin()
	got := value
	require.False(t, lock.ReadRetry(seq))
	require.Equal(t, int64(42), got)
}

func TestSeqLockConcurrentReaders(t *testing.T) {
	var lock SeqLock
	var value int64
	stop := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < 10000; i++ {
			lock.WriteBegin()
			value = i
			lock.WriteEnd()
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
			var got int64
			Retry("read value", func() bool {
				seq := lock.ReadBegin()
				got = value
				return !lock.ReadRetry(seq)
			})
			_ = got
		}
	}
}

func TestRetryPanicsPastCap(t *testing.T) {
	require.Panics(t, func() {
		Retry("never settles", func() bool { return false })
	})
}
