// Package terminal implements the command-line interface (CLI) mode for the parley agent.
//
// Users type prompts and watch the turn stream in: text as it arrives,
// reasoning and tool status according to the agent's verbosity. In prompt
// mode each tool call that needs approval is confirmed with y/n; "n <reason>"
// passes the reason on to the model. Ctrl+C interrupts the running turn, and
// the partial turn is kept in the session.
//
// # Usage
//
//	term := terminal.New(a, os.Stdin, os.Stdout)
//	term.Replay() // when resuming a session
//	err = term.Run(ctx, initialPrompt)
//
// Replay renders the saved turns of a resumed session, answers as markdown.
// Run returns at end of input or on /quit and /exit.
//
// # Verbosity Levels
//
//   - None: only answers are displayed
//   - Info: tool names and status, and reasoning, are displayed
//   - All: tool arguments are displayed as well
package terminal
