package main

import (
	"github.com/alecthomas/kong"
	"github.com/block/shardmeta/pkg/bootstrap"
	"github.com/block/shardmeta/pkg/buildinfo"
)

var (
	version string
	commit  string
	date    string
)

var cli struct {
	Load    bootstrap.LoadCmd `cmd:"" help:"Load the table metadata of a sharded data layer and print it as JSON."`
	Version kong.VersionFlag  `name:"version" help:"Print version information and exit."`
}

func main() {
	buildinfo.Set(version, commit, date)
	ctx := kong.Parse(&cli,
		kong.Name("shardmeta"),
		kong.Description("shardmeta: bootstrap table metadata loading for sharded MySQL and PostgreSQL"),
		kong.UsageOnError(),
		kong.Vars{"version": buildinfo.Get().String()},
	)
	ctx.FatalIfErrorf(ctx.Run())
}
