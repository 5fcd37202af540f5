// Package integration exercises the full transaction lifecycle with every
// component wired together: store, nonce allocator, gas estimator, fee
// source, controller and tracker. The chain is simulated, so these tests run
// without a node and are safe for CI.
//
// For testing against a real node, point the CLI at it:
//
//	txkeeper --url http://localhost:8545 --private-key 0x... send --to 0x... --value 1
//
// anvil (from Foundry) works well for local runs.
package integration
