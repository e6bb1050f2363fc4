package main

import (
	"fmt"

	"github.com/driftkit-ai/driftkit-framework/pkg/graph"
	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

// OrderRequest is the trigger payload for the built-in order-approval
// demo graph.
type OrderRequest struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

// ChargeResult is charge's output.
type ChargeResult struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
	Charged bool    `json:"charged"`
}

// ApprovalDecision is the resume input required once an order suspends
// for manager approval.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer"`
}

// ShipmentRequest is what both the direct and the approved-after-suspend
// paths converge on before the async shipment handler runs.
type ShipmentRequest struct {
	OrderID  string  `json:"orderId"`
	Amount   float64 `json:"amount"`
	Approved bool    `json:"approved"`
}

// ShipmentReceipt is the workflow's final result.
type ShipmentReceipt struct {
	OrderID    string `json:"orderId"`
	TrackingID string `json:"trackingId"`
	Approved   bool   `json:"approved"`
}

// approvalThreshold is the amount above which an order suspends for
// manager approval instead of shipping straight away.
const approvalThreshold = 1000.0

// registerDemoTypes registers every payload type the demo graph
// produces or consumes so StepOutput can recover class identity for
// them (§4.2 requires every StepOutput's class be registered before
// Of() can wrap a value of that type).
func registerDemoTypes(registry *workflow.TypeRegistry) {
	registry.Register("OrderRequest", OrderRequest{})
	registry.Register("ChargeResult", ChargeResult{})
	registry.Register("ApprovalDecision", ApprovalDecision{})
	registry.Register("ShipmentRequest", ShipmentRequest{})
	registry.Register("ShipmentReceipt", ShipmentReceipt{})
}

// buildDemoGraph assembles the order-approval workflow used by `run`:
// validate -> charge (retryable) -> branch on amount -> either suspend
// for approval or ship directly -> async shipment -> finish. Grounded
// on graph.Builder's fluent step/branch/async wiring (§4.1).
func buildDemoGraph() (*graph.Graph, error) {
	b := graph.NewBuilder("order-approval", "v1")

	b.Step("validate", func(in OrderRequest, ctx *workflow.WorkflowContext) (OrderRequest, error) {
		if in.OrderID == "" {
			return OrderRequest{}, fmt.Errorf("order id is required")
		}
		return in, nil
	}, graph.AsInitial())

	b.Step("charge", func(in OrderRequest, ctx *workflow.WorkflowContext) (ChargeResult, error) {
		return ChargeResult{OrderID: in.OrderID, Amount: in.Amount, Charged: true}, nil
	}, graph.WithRetryPolicy(workflow.RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMs:    200,
		BackoffMultiplier: 2.0,
		MaxDelayMs:        5000,
		JitterFactor:      0.2,
	}))

	b.On("route-on-amount", ChargeResult{}, func(v interface{}) interface{} {
		cr := v.(ChargeResult)
		return cr.Amount > approvalThreshold
	}).Is(true, "await-approval").Otherwise("ship-direct")

	b.Step("ship-direct", func(in ChargeResult, ctx *workflow.WorkflowContext) (ShipmentRequest, error) {
		return ShipmentRequest{OrderID: in.OrderID, Amount: in.Amount, Approved: true}, nil
	})

	b.Step("await-approval", func(in ChargeResult, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
		return workflow.NewSuspend(
			fmt.Sprintf("Order %s for %.2f needs manager approval", in.OrderID, in.Amount),
			"ApprovalDecision",
			nil,
			map[string]interface{}{"orderId": in.OrderID},
		)
	}, graph.WithOutputType(ApprovalDecision{}))

	// approval-gate reads the original pre-suspension ChargeResult back
	// out of the resumed-step-input slot (§4.9) to recover the order id
	// and amount the resume input itself doesn't carry.
	b.Step("approval-gate", func(in ApprovalDecision, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
		if !in.Approved {
			return workflow.NewFail(fmt.Errorf("order rejected by %s", in.Reviewer))
		}
		var orig ChargeResult
		if out, ok := ctx.GetOutput(workflow.KeyResumedStepInput); ok {
			if v, err := out.GetValue(); err == nil {
				if cr, ok := v.(ChargeResult); ok {
					orig = cr
				}
			}
		}
		return &workflow.Continue{Data: ShipmentRequest{
			OrderID:  orig.OrderID,
			Amount:   orig.Amount,
			Approved: true,
		}}, nil
	}, graph.WithOutputType(ShipmentRequest{}))

	b.Step("ship", func(in ShipmentRequest, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
		return &workflow.Async{
			TaskID:      "ship-" + in.OrderID,
			EstimatedMs: 2000,
			TaskArgs: map[string]interface{}{
				"orderId":  in.OrderID,
				"approved": in.Approved,
			},
		}, nil
	}, graph.WithOutputType(ShipmentReceipt{}))

	b.Step("finish", func(in ShipmentReceipt, ctx *workflow.WorkflowContext) (workflow.StepResult, error) {
		return &workflow.Finish{Result: in}, nil
	})

	b.Sequential("validate", "charge")
	b.Sequential("charge", "route-on-amount")
	b.Sequential("await-approval", "approval-gate")
	b.Sequential("approval-gate", "ship")
	b.Sequential("ship-direct", "ship")
	b.Sequential("ship", "finish")

	b.WithAsyncHandler("ship-*", func(taskArgs map[string]interface{}, ctx *workflow.WorkflowContext, progress graph.ProgressReporter) (workflow.StepResult, error) {
		orderID, _ := taskArgs["orderId"].(string)
		approved, _ := taskArgs["approved"].(bool)
		progress.UpdateProgress(25, "carrier booked")
		if progress.IsCancelled() {
			return nil, fmt.Errorf("shipment for %s cancelled", orderID)
		}
		progress.UpdateProgress(75, "package handed off")
		return &workflow.Finish{Result: ShipmentReceipt{
			OrderID:    orderID,
			TrackingID: "TRACK-" + orderID,
			Approved:   approved,
		}}, nil
	})

	return b.Build()
}
