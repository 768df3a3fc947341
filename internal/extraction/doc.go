// Package extraction defines the core domain types and ports shared across
// the engine: campaigns and their per-city tasks, extracted places, the
// headless-driver capability, storage contracts, and failure classification.
package extraction
