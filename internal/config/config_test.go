package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"civimend/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Marketplace.MinBidsForVote != 3 {
		t.Fatalf("unexpected min_bids_for_vote: %d", cfg.Marketplace.MinBidsForVote)
	}
	if cfg.Voting.QuorumPercent != 51 {
		t.Fatalf("unexpected quorum: %d", cfg.Voting.QuorumPercent)
	}
	if !cfg.Ledger.Simulate {
		t.Fatalf("default ledger should simulate")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("template should parse: %v", err)
	}
	if cfg.BidCeiling().String() != "10000" {
		t.Fatalf("unexpected ceiling: %s", cfg.BidCeiling())
	}
}

func TestFromYAMLOverridesKeepDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("voting:\n  window_hours: 24\n  quorum_percent: 66\n  allow_change: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Voting.WindowHours != 24 || cfg.Voting.QuorumPercent != 66 || !cfg.Voting.AllowChange {
		t.Fatalf("overrides not applied: %+v", cfg.Voting)
	}
	// untouched sections keep their defaults
	if cfg.Marketplace.MaxEtaHours != 168 {
		t.Fatalf("marketplace defaults lost: %+v", cfg.Marketplace)
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	cases := []string{
		"marketplace:\n  bid_ceiling: \"not-a-number\"\n",
		"marketplace:\n  bid_ceiling: \"-5\"\n",
		"voting:\n  quorum_percent: 0\n",
		"voting:\n  quorum_percent: 120\n",
		"ledger:\n  max_attempts: 0\n",
	}
	for i, c := range cases {
		if _, err := config.FromYAML([]byte(c)); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	data := "marketplace:\n  bid_ceiling: \"2500\"\n"
	if err := os.WriteFile(filepath.Join(dir, "civimend.yml"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BidCeiling().String() != "2500" {
		t.Fatalf("workspace config not applied: %s", cfg.BidCeiling())
	}
}
