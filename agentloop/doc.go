// Package agentloop implements a bounded tool-calling loop driven by an LLM.
//
// A Controller pairs an llm gateway with a frozen tool Registry. Each Run
// owns an append-only Conversation and an iteration budget. Every round the
// run sends the conversation and the tool catalogue to the gateway, appends
// the assistant turn, and either finishes with the final answer or executes
// the requested tool calls and appends one result per call, in request
// order, before asking again.
//
// # Termination
//
//   - success: the gateway returned text with no tool calls.
//   - budget_exhausted: the budget reached zero before a final answer.
//   - fatal_error: gateway failure, malformed response, cancellation,
//     repeated requests for unknown tools, or a conversation invariant
//     violation.
//
// Tool failures are never fatal. The Executor converts unknown tools,
// invalid arguments, returned errors and panics into is_error results that
// the model can react to.
//
// # Usage
//
//	ctrl := agentloop.NewController(client, registry, agentloop.DefaultConfig())
//	run, err := ctrl.NewRun(llm.SystemMessage(prompt), llm.UserMessage(task))
//	if err != nil {
//	    return err
//	}
//	go func() {
//	    for ev := range run.Events() {
//	        fmt.Printf("[%s] %v\n", ev.Kind, ev.Data)
//	    }
//	}()
//	outcome := run.Execute(ctx)
package agentloop
