// ABOUTME: Package router dispatches envelopes between the command and generative paths
// ABOUTME: Stateless classification with a routing-decision counter

package router
