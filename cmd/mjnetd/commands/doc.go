// Package commands defines the mjnetd CLI.
//
// Commands
//
//   - run       Start a companion network node
//   - keygen    Generate a new identity key
//
// # Implementation
//
// The run command loads the P2P_* environment surface, applies flag
// overrides, wires static demo relationship/context providers, and blocks
// until interrupted. Real deployments replace the demo providers by
// embedding the mjnet package directly.
package commands
