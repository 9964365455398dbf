// Package search augments generation queries with web search context.
// Result snippets are sanitized from markdown to plain text; any failure
// degrades to a no-context marker instead of blocking the response.
package search
