// ABOUTME: Package integrator builds the bounded context window for each turn
// ABOUTME: Weighted scoring (keyword > semantic > recency), dedup, greedy packing

package integrator
