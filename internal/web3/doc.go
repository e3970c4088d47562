// Package web3 houses blockchain connectivity utilities: the operator signer
// abstraction, per-chain RPC clients, and multi-chain configuration helpers.
// Higher layers talk to every supported network through the Backend interface
// so that relaying and nonce coordination stay chain-agnostic.
package web3
