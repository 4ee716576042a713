// Package canonization implements agentd's canonization service (spec
// section 4.F): a configure-then-start control plane guarding a
// ticker-driven data plane that drains the process queue into blocks.
package canonization

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/cert"
	"github.com/agentd/agentd/pkg/dataservice"
	"github.com/agentd/agentd/pkg/log"
	"github.com/agentd/agentd/pkg/randomservice"
	"github.com/agentd/agentd/pkg/status"
	"github.com/agentd/agentd/pkg/types"
)

// blockIDSize is the byte length of a block id drawn from the random
// service.
const blockIDSize = 16

// Service runs the canonization control and data planes. It never
// caches process-queue state between ticks: every tick re-walks the
// queue from TransactionGetFirst.
type Service struct {
	data   *dataservice.Client
	random *randomservice.Client
	parser cert.Parser

	mu              sync.Mutex
	configured      bool
	running         bool
	sleep           time.Duration
	maxTxnsPerBlock uint64
	childIdx        types.ChildContextIndex

	stopCh chan struct{}
	doneCh chan struct{}

	cyclesRun       uint64
	blocksMade      uint64
	attemptFailures uint64
}

// CyclesRun returns the number of ticks the data-plane loop has
// processed, whether or not they produced a block.
func (s *Service) CyclesRun() uint64 { return atomic.LoadUint64(&s.cyclesRun) }

// BlocksMade returns the number of blocks successfully submitted via
// BlockMake.
func (s *Service) BlocksMade() uint64 { return atomic.LoadUint64(&s.blocksMade) }

// AttemptFailures returns the number of ticks that aborted before
// producing a block (empty queue, a rejected BlockMake, or an IPC
// error against a collaborator service).
func (s *Service) AttemptFailures() uint64 { return atomic.LoadUint64(&s.attemptFailures) }

// New builds a Service over an already-open data-service client, a
// random-service client, and the certificate parser the data service
// links against.
func New(data *dataservice.Client, random *randomservice.Client, parser cert.Parser) *Service {
	return &Service{data: data, random: random, parser: parser}
}

// Configure sets the tick interval and the per-block transaction cap.
// It must be called exactly once, before Start.
func (s *Service) Configure(sleepMs, maxTxnsPerBlock uint64) status.Code {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.configured {
		return status.AlreadyRunning
	}
	s.sleep = time.Duration(sleepMs) * time.Millisecond
	s.maxTxnsPerBlock = maxTxnsPerBlock
	s.configured = true
	return status.Success
}

// Start opens the service's own child context and launches the
// ticker-driven data-plane loop in the background.
func (s *Service) Start() status.Code {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.configured {
		return status.StartBeforeConfigure
	}
	if s.running {
		return status.AlreadyRunning
	}

	idx, code, err := s.data.ChildContextCreate(capMask())
	if err != nil || !code.OK() {
		log.WithService("canonization").Error().Err(err).Msg("child context create failed")
		return status.InternalFailure
	}
	s.childIdx = idx
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop()
	return status.Success
}

// Stop signals the data-plane loop to exit and waits for it to finish
// its current tick.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

func capMask() capset.Set {
	var mask capset.Set
	mask.Set(capset.BitTransactionGetFirst)
	mask.Set(capset.BitTransactionGet)
	mask.Set(capset.BitBlockMake)
	mask.Set(capset.BitLatestBlockIDGet)
	mask.Set(capset.BitBlockGet)
	return mask
}

func (s *Service) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.sleep)
	defer ticker.Stop()

	logger := log.WithService("canonization")

	for {
		select {
		case <-ticker.C:
			atomic.AddUint64(&s.cyclesRun, 1)
			if err := s.attempt(); err != nil {
				atomic.AddUint64(&s.attemptFailures, 1)
				logger.Debug().Err(err).Msg("canonization attempt aborted")
			} else {
				atomic.AddUint64(&s.blocksMade, 1)
			}
		case <-s.stopCh:
			return
		}
	}
}

// attemptError carries why one tick's attempt stopped, purely for
// logging: callers never retry inline, the next tick retries.
type attemptError struct {
	reason string
}

func (e *attemptError) Error() string { return e.reason }

// attempt walks the process queue from its head, assembles at most
// maxTxnsPerBlock queued transactions into a certificate, and submits
// it via BlockMake. A non-SUCCESS result at any step aborts the
// attempt; it never loops back to retry within the same tick.
func (s *Service) attempt() error {
	children, err := s.collectQueued()
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return &attemptError{"queue empty"}
	}

	latestBlockID, code, err := s.data.LatestBlockIDGet(s.childIdx)
	if err != nil {
		return err
	}
	if !code.OK() {
		return &attemptError{"latest block id lookup failed: " + code.Error()}
	}

	var height uint64
	if latestBlockID != types.Nil {
		latest, code, err := s.data.BlockGet(s.childIdx, latestBlockID)
		if err != nil {
			return err
		}
		if !code.OK() {
			return &attemptError{"latest block lookup failed: " + code.Error()}
		}
		height = latest.Height + 1
	} else {
		height = 1
	}

	blockIDBytes, code, err := s.random.GetRandomBytes(blockIDSize)
	if err != nil {
		return err
	}
	if !code.OK() {
		return &attemptError{"random block id draw failed: " + code.Error()}
	}
	blockID, err := idFromBytes(blockIDBytes)
	if err != nil {
		return err
	}

	blockBytes, err := s.parser.BuildBlock(blockID, latestBlockID, height, children)
	if err != nil {
		return err
	}

	code, err = s.data.BlockMake(s.childIdx, blockID, blockBytes)
	if err != nil {
		return err
	}
	if !code.OK() {
		return &attemptError{"block make rejected: " + code.Error()}
	}
	return nil
}

// collectQueued walks the queue from the head via next_id, stopping at
// the queue's end or the configured per-block cap. Every node still in
// the queue is eligible for canonization regardless of its
// TxnState: SUBMITTED and ATTESTED transactions are both collected, per
// spec section 4.F's data-plane algorithm.
func (s *Service) collectQueued() ([]cert.ChildTxn, error) {
	var children []cert.ChildTxn

	node, code, err := s.data.TransactionGetFirst(s.childIdx)
	if err != nil {
		return nil, err
	}
	if code == status.NotFound {
		return nil, nil
	}
	if !code.OK() {
		return nil, &attemptError{"transaction get first failed: " + code.Error()}
	}

	for {
		children = append(children, cert.ChildTxn{
			TxnID:      node.TxnID,
			ArtifactID: node.ArtifactID,
			State:      node.State,
			Cert:       node.Cert,
		})
		if uint64(len(children)) >= s.maxTxnsPerBlock {
			break
		}
		if node.NextID == types.Nil {
			break
		}

		next, code, err := s.data.TransactionGet(s.childIdx, node.NextID)
		if err != nil {
			return nil, err
		}
		if !code.OK() {
			break
		}
		node = next
	}

	return children, nil
}

func idFromBytes(raw []byte) (types.ID, error) {
	var id types.ID
	n := copy(id[:], raw)
	if n != len(id) {
		return types.Nil, &attemptError{"random service returned a short block id"}
	}
	return id, nil
}
