package main

// General API documentation for swaggo. Generate docs with `swag init -g cmd/llmnode/docs.go`.
//
// @title           llmnode API
// @version         1.0
// @description     HTTP API for local LLM inference: streamed generation, session snapshots, tokenization and embeddings.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
