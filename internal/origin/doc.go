// Package origin performs the single upstream GET behind every cache miss.
// It resolves the per-namespace outbound proxy, surfaces the object's total
// size, content tag and range support, and wraps the body so that a stalled
// upstream read fails after an idle timeout instead of hanging forever.
package origin
