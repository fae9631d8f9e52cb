package observability

const (
	AttrServiceName     = "service.name"
	AttrAgentRole       = "agent.role"
	AttrTaskID          = "task.id"
	AttrToolServer      = "tool.server"
	AttrToolName        = "tool.name"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrRollbackReason  = "rollback.reason"
	AttrErrorType       = "error.type"
	AttrHTTPMethod      = "http.method"
	AttrHTTPPath        = "http.path"
	AttrHTTPStatusCode  = "http.status_code"

	SpanPipelineRun   = "pipeline.run"
	SpanAgentTurn     = "agent.turn"
	SpanLLMRequest    = "agent.llm_request"
	SpanToolExecution = "agent.tool_execution"
	SpanSubAgent      = "agent.sub_agent"
	SpanFinalization  = "agent.finalization"
	SpanHTTPRequest   = "http.request"

	DefaultServiceName = "trawl"
)
