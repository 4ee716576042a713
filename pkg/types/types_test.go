package types

import "testing"

func validConfig() *AgentConfig {
	return &AgentConfig{
		LogDir:               "/var/log/agentd",
		LogLevel:             5,
		BlockMaxMilliseconds: 30_000,
		BlockMaxTransactions: 500,
	}
}

func TestValidateAcceptsInRangeConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsBlockMaxMillisecondsOverBound(t *testing.T) {
	c := validConfig()
	c.BlockMaxMilliseconds = MaxBlockMaxMilliseconds + 1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for out-of-range block_max_milliseconds")
	}
}

func TestValidateRejectsBlockMaxTransactionsOverBound(t *testing.T) {
	c := validConfig()
	c.BlockMaxTransactions = MaxBlockMaxTransactions + 1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for out-of-range block_max_transactions")
	}
}

func TestValidateRejectsLogLevelOutOfRange(t *testing.T) {
	c := validConfig()
	c.LogLevel = 10
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for log level above 9")
	}
}

func TestTransactionNodeInQueue(t *testing.T) {
	n := &TransactionNode{BlockID: Nil}
	if !n.InQueue() {
		t.Fatalf("a node with a zero block id must be reported as in-queue")
	}
	n.BlockID = ID{1}
	if n.InQueue() {
		t.Fatalf("a node with a non-zero block id must not be reported as in-queue")
	}
}
