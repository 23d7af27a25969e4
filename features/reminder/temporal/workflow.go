package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/mesh/reminder"
	"goa.design/mesh/state"
	"goa.design/mesh/telemetry"
)

const (
	workflowName        = "mesh-reminder"
	deliverActivityName = "mesh-reminder-deliver"
	retireActivityName  = "mesh-reminder-retire"

	// ticksPerRun bounds history growth for periodic reminders; the workflow
	// continues as new past this many ticks.
	ticksPerRun = 1000
)

// ReminderWorkflow sleeps until the registration's next fire time, delivers
// the tick through the deliver activity, and either retires (one-shot) or
// keeps ticking on the period. Cancellation via Unregister simply ends the
// workflow.
func ReminderWorkflow(ctx workflow.Context, reg reminder.Registration) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	for tick := 0; ; tick++ {
		if delay := reg.NextFire.Sub(workflow.Now(ctx)); delay > 0 {
			if err := workflow.Sleep(ctx, delay); err != nil {
				return err
			}
		}
		if err := workflow.ExecuteActivity(ctx, deliverActivityName, reg).Get(ctx, nil); err != nil {
			workflow.GetLogger(ctx).Error("reminder delivery failed",
				"agent", reg.AgentHandle, "reminder", reg.Name, "error", err)
		}
		if reg.Period <= 0 {
			return workflow.ExecuteActivity(ctx, retireActivityName, reg).Get(ctx, nil)
		}
		reg.NextFire = workflow.Now(ctx).Add(reg.Period)
		if tick >= ticksPerRun {
			return workflow.NewContinueAsNewError(ctx, workflowName, reg)
		}
	}
}

// Activities hosts the worker-side callbacks invoked by ReminderWorkflow.
type Activities struct {
	target reminder.Target
	store  state.Store
	logger telemetry.Logger
}

// Deliver routes one tick to the owning agent, reactivating it if needed.
func (a *Activities) Deliver(ctx context.Context, reg reminder.Registration) error {
	return a.target.DeliverReminder(ctx, reg.AgentHandle, reminder.Message(reg))
}

// Retire removes a fired one-shot registration from the persisted list.
func (a *Activities) Retire(ctx context.Context, reg reminder.Registration) error {
	return removeRegistration(ctx, a.store, reg.AgentHandle, reg.Name)
}
