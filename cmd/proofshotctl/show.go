package main

import (
	"fmt"
	"os"
)

// Run executes the show command.
func (c *ShowCmd) Run(deps *Dependencies) error {
	rec, err := deps.Service.Get(deps.Ctx, c.ID)
	if err != nil {
		fmt.Fprintf(deps.Stderr, "error: evidence %q not found\n", c.ID)
		return err
	}
	printRecord(deps, rec)

	if c.Out == "" {
		return nil
	}
	img, err := deps.Service.Image(deps.Ctx, c.ID)
	if err != nil {
		return fmt.Errorf("no image stored for %s: %w", c.ID, err)
	}
	if err := os.WriteFile(c.Out, img, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", c.Out, err)
	}
	fmt.Fprintf(deps.Stdout, "Wrote %s\n", c.Out)
	return nil
}
