package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/lox/sus/internal/audit"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

type VerifyCmd struct {
	Files []string `arg:"" help:"Export files to verify" type:"existingfile"`
}

func (c *VerifyCmd) Run(g *Globals) error {
	failed := 0
	for _, file := range c.Files {
		export, err := audit.Read(file)
		if err == nil {
			err = audit.Verify(export)
		}
		if err != nil {
			failed++
			fmt.Printf("%s %s\n  %v\n", failStyle.Render("FAIL"), file, err)
			continue
		}
		fmt.Printf("%s %s (%s, %d events)\n", okStyle.Render("ok  "), file, export.Session.State, len(export.Events))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d exports failed verification", failed, len(c.Files))
	}
	return nil
}
