package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/loqalabs/loqa-prompt/internal/prompt"
)

var version = "0.1.0-dev"

type cli struct {
	Encode struct {
		Family string `short:"f" default:"llama2" help:"Model family (${families})."`
		File   string `help:"Conversation JSON file; stdin when empty."`
	} `cmd:"" help:"Encode a JSON conversation into a model prompt."`

	Code struct {
		Problem []string `arg:"" optional:"" help:"Problem statement; stdin when empty."`
	} `cmd:"" help:"Render the code assistant prompt for a problem."`

	Tokens struct {
		Family string `short:"f" default:"llama2" help:"Model family (${families})."`
		File   string `help:"Conversation JSON file; stdin when empty."`
	} `cmd:"" help:"Count the tokens of an encoded conversation."`

	Families struct{} `cmd:"" help:"List supported model families."`
	Version  struct{} `cmd:"" help:"Print version and exit."`
}

func main() {
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Exit))
}

// run parses args and executes the selected subcommand. It returns the
// process exit code so that tests can drive the CLI without exiting.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer, exit func(int)) int {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("promptfmt"),
		kong.Description("Format chat conversations into Llama-2 style prompts."),
		kong.Exit(exit),
		kong.Writers(stdout, stderr),
		kong.Vars{
			"version":  version,
			"families": strings.Join(prompt.Families(), ", "),
		},
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	switch strings.Fields(ctx.Command())[0] {
	case "encode":
		err = runEncode(c.Encode.Family, c.Encode.File, stdin, stdout)
	case "code":
		err = runCode(c.Code.Problem, stdin, stdout)
	case "tokens":
		err = runTokens(c.Tokens.Family, c.Tokens.File, stdin, stdout)
	case "families":
		for _, f := range prompt.Families() {
			fmt.Fprintln(stdout, f)
		}
	case "version":
		fmt.Fprintln(stdout, version)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runEncode(family, file string, stdin io.Reader, stdout io.Writer) error {
	text, err := encodeConversation(family, file, stdin)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, text)
	return nil
}

func runTokens(family, file string, stdin io.Reader, stdout io.Writer) error {
	text, err := encodeConversation(family, file, stdin)
	if err != nil {
		return err
	}
	counter, err := prompt.NewCounter()
	if err != nil {
		return err
	}
	n, err := counter.Count(text)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, n)
	return nil
}

func runCode(words []string, stdin io.Reader, stdout io.Writer) error {
	problem := strings.Join(words, " ")
	if problem == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		problem = strings.TrimRight(string(data), "\n")
	}
	if strings.TrimSpace(problem) == "" {
		return errors.New("no problem given")
	}
	text, err := prompt.CodePrompt(problem)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, text)
	return nil
}

func encodeConversation(family, file string, stdin io.Reader) (string, error) {
	policy, err := prompt.LookupPolicy(family)
	if err != nil {
		return "", err
	}
	var data []byte
	if file == "" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("read conversation: %w", err)
	}
	raw, err := decodeConversation(data)
	if err != nil {
		return "", err
	}
	text, err := prompt.EncodeRaw(raw, policy)
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	return text, nil
}

// decodeConversation accepts either a bare array of turns or an object with a
// "turns" array.
func decodeConversation(data []byte) ([]any, error) {
	var turns []any
	if err := json.Unmarshal(data, &turns); err == nil {
		return turns, nil
	}
	var wrapped struct {
		Turns []any `json:"turns"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return wrapped.Turns, nil
}
