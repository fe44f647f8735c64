// Package cli holds the pieces shared by the respsel commands.
//
// This package includes:
//   - Store contexts (named artifact stores with credentials), kept in
//     ~/.respsel/<app>/config.yaml and switched like kubectl contexts
//   - Output formatting (YAML, JSON, table, raw)
//   - Input file loading (YAML or JSON)
//   - Well-known directories under ~/.respsel/<app>
//
// Example usage:
//
//	cfg, err := cli.LoadConfig("respsel")
//	sc, err := cfg.ResolveContext(flagContext)
//
//	cli.Output(prediction, cli.OutputOptions{Format: cli.FormatTable})
package cli
