package restore

import (
	"context"
	"testing"
	"time"
)

func TestPostActionsDisabled(t *testing.T) {
	cloud := newFakeCloud()
	runner := NewPostActionRunner(cloud, PostActionConfig{}, testWaits(), nil, nil)
	if outcomes := runner.Run(context.Background(), "i-1"); outcomes != nil {
		t.Fatalf("Run = %v, want nil when disabled", outcomes)
	}
	if cloud.called("SendCommand") {
		t.Fatal("commands dispatched while disabled")
	}
}

func TestPostActionsRunInOrder(t *testing.T) {
	cloud := newFakeCloud()
	cfg := PostActionConfig{
		Enabled:      true,
		DocumentName: "AWS-RunShellScript",
		Commands: []CommandSpec{
			{Name: "restart app", Command: "systemctl restart app", Timeout: time.Second, WaitForCompletion: true},
			{Name: "health check", Command: "curl -fsS localhost:8080/health", Timeout: time.Second, WaitForCompletion: true},
		},
	}
	runner := NewPostActionRunner(cloud, cfg, testWaits(), nil, nil)

	outcomes := runner.Run(context.Background(), "i-1")
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %v, want 2", outcomes)
	}
	for i, o := range outcomes {
		if !o.Succeeded || o.Status != CommandStatusSuccess {
			t.Fatalf("outcome[%d] = %+v", i, o)
		}
	}
	if cloud.sent[0].Name != "restart app" || cloud.sent[1].Name != "health check" {
		t.Fatalf("dispatch order = %v", cloud.sent)
	}
}

func TestPostActionsFailureStopsSequence(t *testing.T) {
	cloud := newFakeCloud()
	cloud.commandResults["restart app"] = &CommandInvocation{
		Status:   CommandStatusFailed,
		ExitCode: 1,
		Stderr:   "unit not found",
	}
	cfg := PostActionConfig{
		Enabled: true,
		Commands: []CommandSpec{
			{Name: "restart app", Command: "systemctl restart app", WaitForCompletion: true},
			{Name: "health check", Command: "curl -fsS localhost:8080/health", WaitForCompletion: true},
		},
	}
	runner := NewPostActionRunner(cloud, cfg, testWaits(), nil, nil)

	outcomes := runner.Run(context.Background(), "i-1")
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %v, want the failed command only", outcomes)
	}
	o := outcomes[0]
	if o.Succeeded || o.Status != CommandStatusFailed || o.ExitCode != 1 || o.Error != "unit not found" {
		t.Fatalf("outcome = %+v", o)
	}
	if n := cloud.callCount("SendCommand"); n != 1 {
		t.Fatalf("SendCommand called %d times, want 1", n)
	}
}

func TestPostActionsRemoteTimeoutReported(t *testing.T) {
	cloud := newFakeCloud()
	cloud.commandResults["slow job"] = &CommandInvocation{Status: CommandStatusTimedOut}
	cfg := PostActionConfig{
		Enabled:  true,
		Commands: []CommandSpec{{Name: "slow job", Command: "sleep 600", WaitForCompletion: true}},
	}
	runner := NewPostActionRunner(cloud, cfg, testWaits(), nil, nil)

	outcomes := runner.Run(context.Background(), "i-1")
	if len(outcomes) != 1 || outcomes[0].Succeeded || outcomes[0].Status != CommandStatusTimedOut {
		t.Fatalf("outcomes = %+v", outcomes)
	}
}

func TestPostActionsFireAndForget(t *testing.T) {
	cloud := newFakeCloud()
	cfg := PostActionConfig{
		Enabled:  true,
		Commands: []CommandSpec{{Name: "warm cache", Command: "warmup.sh"}},
	}
	runner := NewPostActionRunner(cloud, cfg, testWaits(), nil, nil)

	outcomes := runner.Run(context.Background(), "i-1")
	if len(outcomes) != 1 || !outcomes[0].Succeeded || outcomes[0].Status != "Dispatched" {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	// Fire-and-forget never polls the invocation.
	if cloud.called("GetCommandInvocation") {
		t.Fatal("invocation polled for a fire-and-forget command")
	}
}

func TestPostActionsDispatchErrorCaptured(t *testing.T) {
	cloud := newFakeCloud()
	cloud.fail["SendCommand"] = NewPermissionError("ssm denied", nil)
	cfg := PostActionConfig{
		Enabled:  true,
		Commands: []CommandSpec{{Name: "restart app", Command: "systemctl restart app", WaitForCompletion: true}},
	}
	runner := NewPostActionRunner(cloud, cfg, testWaits(), nil, nil)

	outcomes := runner.Run(context.Background(), "i-1")
	if len(outcomes) != 1 || outcomes[0].Succeeded || outcomes[0].Error == "" {
		t.Fatalf("outcomes = %+v", outcomes)
	}
}
