// Package classifier decides whether a discovered URL infringes a product,
// using an OpenRouter-style chat completion endpoint.
//
// # Classification Logic
//
// Each candidate is described to the model together with the historical
// precision context of its detection category. The model answers with JSON:
// a verdict (confirmed, likely, rejected), a confidence between 0 and 1 and a
// short reason. Low-precision categories push the model toward skepticism.
//
// # Retry Behaviour
//
// The client retries HTTP 408/429/5xx answers, empty completions and network
// timeouts with exponential backoff (base 1s, max 10s, up to 3 attempts by
// default). Context cancellation aborts retries immediately. Errors returned
// to callers carry the services transient/permanent markers.
//
// # Entry Points
//
// NewClient: construct the chat client from config.Classifier.
// Client.CompleteJSON: send system/user prompts, receive a JSON payload.
// NewLLMClassifier: wrap a client as a pipeline classifier.
// DecodeJSON: decode model output, tolerating code fences and prose.
package classifier
