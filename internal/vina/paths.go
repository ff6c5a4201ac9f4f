package vina

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// OutPath composes <basePath>/<site>/<scheduleTime>/Try_n<k>/Result.pdbqt.
// The site label comes from reg, which gets a new entry for unknown
// coordinates. A configuration without a complete center keeps ActiveSite.
func (c *RunConfiguration) OutPath(basePath string, retriesLeft int, reg *SiteRegistry) string {
	if center, ok := c.Params.Center(); ok {
		c.ActiveSite = reg.Label(center)
	}
	return filepath.Join(
		basePath,
		c.ActiveSite,
		strconv.FormatInt(c.ScheduleTime, 10),
		"Try_n"+strconv.Itoa(c.Try(retriesLeft)),
		ResultFile,
	)
}

// ResolveOutputPaths assigns the canonical output locations for the current
// try and records the site in the registry of the receptor-ligand directory.
//
// Values declared by a source configuration file stay primary, the canonical
// location then becomes a copy target.
func (c *RunConfiguration) ResolveOutputPaths(root, folder string) error {
	base, err := c.BasePath(root, folder)
	if err != nil {
		return err
	}
	reg, err := LoadSites(base)
	if err != nil {
		return err
	}
	out := c.OutPath(base, c.RetriesLeft, reg)
	if err := reg.Save(base); err != nil {
		return fmt.Errorf("saving site registry: %w", err)
	}
	log := filepath.Join(filepath.Dir(out), LogFile)

	c.Copies = CopyPaths{}
	declared := c.Declared
	if c.SourcePath == "" {
		declared = CopyPaths{}
	}
	switch {
	case declared.Out == "" && declared.Log == "":
		c.Params.Out, c.Params.Log = out, log
	case declared.Out == "":
		c.Params.Out, c.Params.Log = out, declared.Log
		c.Copies.Log = log
	case declared.Log == "":
		c.Params.Out, c.Params.Log = declared.Out, log
		c.Copies.Out = out
	default:
		c.Params.Out, c.Params.Log = declared.Out, declared.Log
		c.Copies = CopyPaths{Out: out, Log: log}
	}
	return nil
}

// FinalDir is the directory holding the canonical artifacts of the current try.
func (c *RunConfiguration) FinalDir() string {
	switch {
	case c.Copies.Out != "":
		return filepath.Dir(c.Copies.Out)
	case c.Copies.Log != "":
		return filepath.Dir(c.Copies.Log)
	default:
		return filepath.Dir(c.Params.Out)
	}
}
