package main

import (
	"strings"
	"testing"

	"github.com/zulandar/dingline/internal/config"
	"github.com/zulandar/dingline/internal/metrics"
	"github.com/zulandar/dingline/internal/telegraph"
	"go.uber.org/zap"
)

func TestNewAdapter(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	bus := telegraph.NewEventBus()
	a, err := newAdapter(cfg, zap.NewNop(), bus, metrics.New("dltest"))
	if err != nil {
		t.Fatalf("newAdapter: %v", err)
	}
	defer a.Close()
	if a.Bus() != bus {
		t.Error("adapter does not publish on the given bus")
	}
	st := a.Status()
	if st.Platform != "dingtalk" || st.State != "idle" || !st.Sandbox {
		t.Errorf("Status = %+v", st)
	}
}

func TestOpenJournal_Disabled(t *testing.T) {
	cfg := &config.Config{Journal: config.JournalConfig{Enabled: false}}
	j, closeFn, err := openJournal(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Error("journal should be nil when disabled")
	}
	closeFn()
}

func TestStart_BadConfig(t *testing.T) {
	path := writeConfig(t, "journal: {driver: postgres}\n")
	_, err := run(t, "start", "-c", path)
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %v", err)
	}
}
