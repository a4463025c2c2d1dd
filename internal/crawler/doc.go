// Package crawler holds the task model, collaborator interfaces and URL helpers
// shared by the adaptive crawl orchestrator, its stores and its HTTP surface.
package crawler
