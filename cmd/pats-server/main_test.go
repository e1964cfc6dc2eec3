package main

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pats/pats/internal/config"
	"github.com/pats/pats/internal/platform/notification"
)

func TestNewLogger_Level(t *testing.T) {
	if got := newLogger("production", "warn").GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("expected warn level, got %s", got)
	}
	if got := newLogger("production", "nonsense").GetLevel(); got != zerolog.TraceLevel {
		t.Errorf("expected unfiltered logger for unknown level, got %s", got)
	}
}

func TestEmailSender(t *testing.T) {
	s, err := emailSender(&config.Config{EmailTransport: "log"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*notification.LogEmailSender); !ok {
		t.Errorf("expected log sender, got %T", s)
	}

	s, err = emailSender(&config.Config{EmailTransport: "smtp", SMTPAddr: "mail.example:25", SMTPFrom: "no-reply@pats.local"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*notification.SMTPSender); !ok {
		t.Errorf("expected smtp sender, got %T", s)
	}
}

func TestCommands(t *testing.T) {
	for _, tt := range []struct {
		cmd  string
		subs []string
	}{
		{"serve", nil},
		{"sweep", nil},
		{"migrate", []string{"up", "status"}},
	} {
		var found bool
		for _, c := range []*cobra.Command{serveCmd(), sweepCmd(), migrateCmd()} {
			if c.Name() != tt.cmd {
				continue
			}
			found = true
			for _, sub := range tt.subs {
				if s, _, err := c.Find([]string{sub}); err != nil || s.Name() != sub {
					t.Errorf("%s: missing subcommand %s", tt.cmd, sub)
				}
			}
		}
		if !found {
			t.Errorf("missing command %s", tt.cmd)
		}
	}
}
