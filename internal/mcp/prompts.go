package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// audit-run walks an agent through checking that a run's citations are
	// backed by the evidence it actually retrieved.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("audit-run",
			mcplib.WithPromptDescription("Check that every citation in a run's output is backed by retrieved evidence"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The run to audit"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleAuditRunPrompt,
	)
}

func (s *Server) handleAuditRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	runID := request.Params.Arguments["run_id"]
	if runID == "" {
		return nil, fmt.Errorf("run_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Audit the citations of run %s", runID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Audit run %[1]s:

1. CALL assay_get_run with run_id="%[1]s". If the status is not completed,
   report the status and error and stop.

2. For every recipe, list the citation tokens in its rationale ([C1], mem:<id>).

3. CALL assay_resolve_alias for each [Cn] alias and read the returned content.
   Judge whether the content supports the sentence that cites it.

4. CALL assay_list_events with types=["llm_response"] if a claim looks
   unsupported, to see whether the model was repaired mid-run.

5. REPORT each alias as supported, weak or unsupported, with one line of
   justification quoting the evidence.`, runID),
				},
			},
		},
	}, nil
}
