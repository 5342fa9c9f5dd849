package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/bledb"
	"github.com/srg/blehost/internal/harness"
	"github.com/srg/blehost/internal/profile"
)

func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the GATT profiles the suites expect",
		Args:  cobra.NoArgs,
		RunE:  runProfiles,
	}
	cmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
	cmd.Flags().String("profile", "", "Also list this YAML profile file")
	return cmd
}

type profileView struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Suites      []string      `json:"suites,omitempty"`
	Services    []serviceView `json:"services"`
}

type serviceView struct {
	UUID            string     `json:"uuid"`
	Name            string     `json:"name"`
	Characteristics []charView `json:"characteristics"`
}

type charView struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

func runProfiles(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}

	registry, err := profile.Bundled()
	if err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString("profile"); path != "" {
		p, err := profile.Load(path)
		if err != nil {
			return err
		}
		registry.Add(p)
	}

	views := make([]profileView, 0, len(registry.Names()))
	for _, p := range registry.All() {
		views = append(views, newProfileView(p))
	}

	if format == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(views)
	}
	return writeProfilesTable(cmd.OutOrStdout(), views)
}

func newProfileView(p *profile.Profile) profileView {
	v := profileView{Name: p.Name, Description: p.Description}
	for _, s := range harness.Suites() {
		if s.Profile == p.Name {
			v.Suites = append(v.Suites, s.Name)
		}
	}
	for _, s := range p.Services {
		sv := serviceView{UUID: bledb.FormatUUID(s.UUID), Name: s.Name}
		for _, c := range s.Characteristics {
			sv.Characteristics = append(sv.Characteristics, charView{
				UUID: bledb.FormatUUID(c.UUID),
				Name: c.Name,
				Role: string(c.Role),
			})
		}
		v.Services = append(v.Services, sv)
	}
	return v
}

func writeProfilesTable(w io.Writer, views []profileView) error {
	title := color.New(color.Bold)
	for i, v := range views {
		if i > 0 {
			fmt.Fprintln(w)
		}
		title.Fprintf(w, "%s", v.Name)
		if len(v.Suites) > 0 {
			fmt.Fprintf(w, " (suite: %s)", joinNames(v.Suites))
		}
		fmt.Fprintln(w)
		if v.Description != "" {
			fmt.Fprintf(w, "  %s\n", v.Description)
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, s := range v.Services {
			fmt.Fprintf(tw, "  %s\t%s\t\n", s.Name, s.UUID)
			for _, c := range s.Characteristics {
				fmt.Fprintf(tw, "    %s\t%s\t%s\n", c.Name, c.UUID, c.Role)
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}
