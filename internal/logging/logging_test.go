package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "warn", true)
	if err != nil {
		t.Fatal(err)
	}
	feed := For(log, "feed")
	feed.Info().Msg("hidden")
	feed.Warn().Uint64("thread", 10).Msg("desync")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info logged at warn level")
	}
	if !strings.Contains(out, `"component":"feed"`) || !strings.Contains(out, `"thread":10`) {
		t.Errorf("unexpected output %s", out)
	}
}

func TestBadLevel(t *testing.T) {
	if _, err := New(nil, "loud", false); err == nil {
		t.Error("expected error for unknown level")
	}
}
