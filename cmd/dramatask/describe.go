package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-drama/sds"
)

type DescribeCmd struct {
	File string `arg:"" type:"existingfile" help:"Document to encode."`
	Name string `help:"Name of the top level structure." default:"ArgStructure"`
}

func (c *DescribeCmd) Run(_ *CLI) error {
	raw, err := os.ReadFile(c.File)
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "read document").
			WithMetadata(map[string]any{"path": c.File})
	}
	return describe(os.Stdout, raw, c.Name)
}

// describe encodes a YAML (or JSON) document and prints the node tree.
func describe(w io.Writer, raw []byte, name string) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "parse document")
	}
	node, err := sds.Encode(doc, name)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, node.String())
	return err
}
