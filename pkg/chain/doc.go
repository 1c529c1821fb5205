// Package chain adapts the Solana SDK to the small capabilities the pipeline
// consumes: a signer holding the relayer key, a reader for recent
// blockhashes, and the decoding of caller supplied transactions.
package chain
