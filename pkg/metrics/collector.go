package metrics

import (
	"time"

	"github.com/agentd/agentd/pkg/canonization"
	"github.com/agentd/agentd/pkg/dataservice"
	"github.com/agentd/agentd/pkg/types"
)

// queueDepthCap bounds how far the collector walks the process queue
// per tick: a queue depth this large is already a canonization-service
// problem worth paging on, not something that needs an exact count.
const queueDepthCap = 100_000

// Collector polls the data service and canonization service on a
// ticker and republishes their state as Prometheus gauges/counters.
type Collector struct {
	data     *dataservice.Client
	childIdx types.ChildContextIndex
	canon    *canonization.Service

	stopCh chan struct{}

	lastCycles   uint64
	lastBlocks   uint64
	lastFailures uint64
}

// NewCollector builds a Collector. childIdx must name a child context
// already granted BitTransactionGetFirst, BitTransactionGet,
// BitLatestBlockIDGet, and BitBlockGet.
func NewCollector(data *dataservice.Client, childIdx types.ChildContextIndex, canon *canonization.Service) *Collector {
	return &Collector{data: data, childIdx: childIdx, canon: canon, stopCh: make(chan struct{})}
}

// Start begins polling every interval until Stop is called.
func (c *Collector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectQueueDepth()
	c.collectLatestBlockHeight()
	c.collectCanonizationCounters()
}

func (c *Collector) collectQueueDepth() {
	node, code, err := c.data.TransactionGetFirst(c.childIdx)
	if err != nil || !code.OK() {
		QueueDepth.Set(0)
		return
	}

	depth := 1
	for node.NextID != types.Nil && depth < queueDepthCap {
		next, code, err := c.data.TransactionGet(c.childIdx, node.NextID)
		if err != nil || !code.OK() {
			break
		}
		node = next
		depth++
	}
	QueueDepth.Set(float64(depth))
}

func (c *Collector) collectLatestBlockHeight() {
	latestID, code, err := c.data.LatestBlockIDGet(c.childIdx)
	if err != nil || !code.OK() || latestID == types.Nil {
		LatestBlockHeight.Set(0)
		return
	}
	block, code, err := c.data.BlockGet(c.childIdx, latestID)
	if err != nil || !code.OK() {
		return
	}
	LatestBlockHeight.Set(float64(block.Height))
}

func (c *Collector) collectCanonizationCounters() {
	if c.canon == nil {
		return
	}

	cycles := c.canon.CyclesRun()
	CanonizationCyclesTotal.Add(float64(cycles - c.lastCycles))
	c.lastCycles = cycles

	blocks := c.canon.BlocksMade()
	BlocksMadeTotal.Add(float64(blocks - c.lastBlocks))
	c.lastBlocks = blocks

	failures := c.canon.AttemptFailures()
	CanonizationFailuresTotal.Add(float64(failures - c.lastFailures))
	c.lastFailures = failures
}
