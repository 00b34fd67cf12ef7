// Package testutil provides testing utilities for the conveyor project.
package testutil

// Safe test credentials that won't trigger GitHub's push protection.
// Keep them obviously fake.
const (
	// FakeGitHubToken is a safe test token for GitHub API authentication.
	FakeGitHubToken = "test-github-token"

	// FakeWebhookSecret is a safe HMAC secret for webhook signature tests.
	FakeWebhookSecret = "test-webhook-secret"

	// FakeAgentAPIKey is a safe test API key for the coding-agent service.
	FakeAgentAPIKey = "test-agent-api-key"
)
