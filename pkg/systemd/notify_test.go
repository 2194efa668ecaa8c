package systemd

import (
	"context"
	"testing"

	logx "routineclock/pkg/logx"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready() = %v, %v; want false, nil", sent, err)
	}
	if sent, err := Stopping(); sent || err != nil {
		t.Fatalf("Stopping() = %v, %v; want false, nil", sent, err)
	}
	if err := Watchdog(context.Background(), logx.Nop()); err != nil {
		t.Fatalf("Watchdog() = %v", err)
	}
}
