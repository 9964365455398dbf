// Package capability holds the external AI and search clients.
//
// OpenAIClient speaks the chat-completions API and backs three concerns:
// response decisions, task classification, and streamed generation. The
// TavilyClient backs web search. Both are plain HTTP clients; the packages
// that use them depend on small interfaces, so either can be absent and the
// pipeline degrades instead of failing.
package capability
