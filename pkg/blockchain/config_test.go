package blockchain

import (
	"testing"
	"time"
)

func fourValidatorConfig() ConsensusConfig {
	return ConsensusConfig{
		Validators:     make([]ValidatorKeys, 4),
		RoundTimeout:   3 * time.Second,
		ProposeTimeout: 500 * time.Millisecond,
	}
}

func TestMajorityAndByzantineTolerance(t *testing.T) {
	cfg := fourValidatorConfig()
	if got := cfg.Majority(); got != 3 {
		t.Fatalf("Majority() = %d, want 3", got)
	}
	if got := cfg.ByzantineTolerance(); got != 1 {
		t.Fatalf("ByzantineTolerance() = %d, want 1", got)
	}
}

func TestLeaderAtRotatesModuloN(t *testing.T) {
	cfg := fourValidatorConfig()
	for _, tc := range []struct {
		height uint64
		round  uint32
		want   int
	}{
		{0, 0, 0},
		{0, 1, 1},
		{1, 0, 1},
		{5, 2, 3},
	} {
		if got := cfg.LeaderAt(tc.height, tc.round); got != tc.want {
			t.Fatalf("LeaderAt(%d,%d) = %d, want %d", tc.height, tc.round, got, tc.want)
		}
	}
}

func TestValidateRejectsEmptyValidators(t *testing.T) {
	cfg := fourValidatorConfig()
	cfg.Validators = nil
	if err := cfg.Validate(); err != ErrConfigNoValidators {
		t.Fatalf("Validate() = %v, want ErrConfigNoValidators", err)
	}
}

func TestValidateRejectsBadTimeoutOrder(t *testing.T) {
	cfg := fourValidatorConfig()
	cfg.RoundTimeout = cfg.ProposeTimeout
	if err := cfg.Validate(); err != ErrConfigTimeoutOrder {
		t.Fatalf("Validate() = %v, want ErrConfigTimeoutOrder", err)
	}
}
