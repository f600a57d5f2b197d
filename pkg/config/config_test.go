package config_test

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rancher/block-orchestrator/pkg/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := config.BindFlags(flags, v); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := flags.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Namespace != "storage" {
		t.Errorf("got Namespace %q, want storage", cfg.Namespace)
	}
	if cfg.ReplicaCount != 3 {
		t.Errorf("got ReplicaCount %d, want 3", cfg.ReplicaCount)
	}
	if !cfg.ReplicaSoftAntiAffinity {
		t.Errorf("expected ReplicaSoftAntiAffinity to default true")
	}
	if cfg.Frontend != "tgt-blockdev" {
		t.Errorf("got Frontend %q, want tgt-blockdev", cfg.Frontend)
	}
	if cfg.LeaderElectionNamespace != "storage" {
		t.Errorf("got LeaderElectionNamespace %q, want storage", cfg.LeaderElectionNamespace)
	}
}

func TestLoadRejectsInvalidFrontend(t *testing.T) {
	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := config.BindFlags(flags, v); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := flags.Parse([]string{"--frontend=nope"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := config.Load(v); err == nil {
		t.Fatalf("expected Load to reject an unrecognised frontend")
	}
}

func TestLoadRejectsOutOfRangeStaleReplicaTimeout(t *testing.T) {
	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := config.BindFlags(flags, v); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := flags.Parse([]string{"--stale-replica-timeout=1s"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := config.Load(v); err == nil {
		t.Fatalf("expected Load to reject a timeout below the 60s floor")
	}
}
