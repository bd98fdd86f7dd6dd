// Command dramatask runs an example task on an in-process bus and inspects
// structured values.
package main

import (
	"github.com/alecthomas/kong"
)

type CLI struct {
	Config  string `help:"Directory holding base.yaml and profile files." default:"configs" type:"path"`
	Profile string `help:"Config profile layered over base.yaml." env:"DRAMA_PROFILE"`

	Run      RunCmd      `cmd:"" help:"Run the example task until EXIT or interrupt."`
	Describe DescribeCmd `cmd:"" help:"Print a YAML or JSON document as a structured value tree."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("dramatask"),
		kong.Description("Example task built on the go-drama action dispatcher."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
