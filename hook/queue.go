package hook

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sipgateway/call"
)

type post struct {
	url string
	st  call.Status
}

// Queue delivers status feedback in the background. Posts for one hook URL
// always land on the same worker, so a call's statuses arrive in order.
type Queue struct {
	client  *Client
	timeout time.Duration
	log     *logrus.Entry

	mu     sync.RWMutex
	closed bool
	shards []chan post
	wg     sync.WaitGroup
}

// NewQueue starts workers goroutines, each buffering up to size posts.
func NewQueue(client *Client, workers, size int, timeout time.Duration, log *logrus.Entry) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		client:  client,
		timeout: timeout,
		log:     log,
		shards:  make([]chan post, workers),
	}
	for i := range q.shards {
		q.shards[i] = make(chan post, size)
		q.wg.Add(1)
		go q.work(q.shards[i])
	}
	return q
}

func (q *Queue) shard(url string) chan post {
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

// Notify enqueues st for url. It never blocks: when the worker is backed up
// or the queue is closed the post is dropped.
func (q *Queue) Notify(url string, st call.Status) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.log.Warnf("queue closed, dropping %s status for %s", st.State, url)
		return
	}
	select {
	case q.shard(url) <- post{url: url, st: st}:
	default:
		q.log.Warnf("queue full, dropping %s status for %s", st.State, url)
	}
}

func (q *Queue) work(ch chan post) {
	defer q.wg.Done()
	for p := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.client.Feedback(ctx, p.url, p.st); err != nil {
			q.log.Warnf("feedback %s to %s: %v", p.st.State, p.url, err)
		} else {
			q.log.Debugf("feedback %s sent to %s", p.st.State, p.url)
		}
		cancel()
	}
}

// Close stops accepting posts and waits for queued ones to be delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
