package nodes

import (
	"testing"

	"github.com/swiftgrid/worker/internal/platform/logger"
	"github.com/swiftgrid/worker/internal/runtime"
)

func TestRegisterAllWiresOneHandlerPerNodeKind(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	reg := runtime.NewRegistry()
	if err := RegisterAll(reg, Deps{ScriptRunner: NewDefaultRunner(), Log: log}); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}

	kinds := []string{
		"HTTP", "CODE", "DELAY", "DELAY_RESUME", "WEBHOOKWAIT", "WEBHOOKRESUME",
		"ROUTER", "LLM", "SUBFLOW", "SUBFLOWRESUME", "MAP", "MAPSTEP", "MAPCHILDCOMPLETE",
	}
	for _, k := range kinds {
		if _, ok := reg.Get(k); !ok {
			t.Errorf("expected a registered handler for node kind %q", k)
		}
	}
}

func TestRegisterAllCalledTwiceOnSameRegistryFailsOnCollision(t *testing.T) {
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	reg := runtime.NewRegistry()
	deps := Deps{ScriptRunner: NewDefaultRunner(), Log: log}
	if err := RegisterAll(reg, deps); err != nil {
		t.Fatalf("first RegisterAll: %v", err)
	}
	if err := RegisterAll(reg, deps); err == nil {
		t.Fatal("expected the second RegisterAll on the same registry to fail on handler collision")
	}
}
