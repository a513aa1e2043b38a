/*
Copyright 2026 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cli holds the commands of parapplyd.
package cli

import (
	"flag"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parapply.io/parapply/go/vt/log"
	"parapply.io/parapply/go/vt/relaylog"
	"parapply.io/parapply/go/vt/vterrors"
	"parapply.io/parapply/go/vt/vttablet/mysqlexec"
	"parapply.io/parapply/go/vt/vttablet/parallel"
)

// envPrefix prefixes the environment variables that override flags, e.g.
// PARAPPLY_WORKERS or PARAPPLY_DB_DSN.
const envPrefix = "PARAPPLY"

// Main is the parapplyd root command.
var Main = newRoot()

// options are the settings shared by the commands of one command tree.
type options struct {
	v          *viper.Viper
	configFile string
	journalDir string
	noSync     bool

	apply       parallel.Config
	db          mysqlexec.Config
	metricsAddr string
	namespace   string
	initTable   bool

	importFile string
}

func newOptions() *options {
	return &options{
		v:     viper.New(),
		apply: parallel.DefaultConfig(),
		db:    mysqlexec.Config{PositionTable: mysqlexec.DefaultPositionTable},
	}
}

func newRoot() *cobra.Command {
	return newRootCommand(newOptions())
}

func newRootCommand(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "parapplyd",
		Short: "parapplyd applies a journal of replication events to a MySQL compatible server in parallel.",
		Long: "`parapplyd` reads replication event groups from a local journal and applies them with a pool of workers.\n\n" +
			"Groups of the same replication domain commit in log order; groups that were group committed together on the source run concurrently.\n" +
			"The position reached is stored in the journal and, for every domain, in the target server.",
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		PersistentPreRunE: o.preRun,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Flush()
		},
	}
	fs := root.PersistentFlags()
	fs.StringVar(&o.configFile, "config", "", "Config file (yaml, json or toml) providing defaults for the flags")
	fs.StringVar(&o.journalDir, "journal-dir", "", "Directory of the event journal")
	fs.BoolVar(&o.noSync, "journal-no-sync", false, "Do not fsync the journal on every append")
	log.RegisterFlags(fs)
	fs.AddGoFlagSet(flag.CommandLine)

	root.AddCommand(newApplyCommand(o), newImportCommand(o), newStatusCommand(o), newPurgeCommand(o))
	return root
}

// preRun layers the config file and the environment under the flags and
// loads the result into o.
func (o *options) preRun(cmd *cobra.Command, args []string) error {
	if err := log.Init(cmd.Flags()); err != nil {
		return err
	}
	v := o.v
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return vterrors.Wrap(vterrors.WithCode(err, vterrors.Internal), "cannot bind flags")
	}
	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
		if err := v.ReadInConfig(); err != nil {
			return vterrors.Wrapf(vterrors.WithCode(err, vterrors.InvalidArgument), "cannot read config file %s", o.configFile)
		}
		log.Infof("Using config file %s", v.ConfigFileUsed())
	}
	o.journalDir = v.GetString("journal-dir")
	o.noSync = v.GetBool("journal-no-sync")
	return nil
}

// loadApply fills the apply and executor settings from the flags, the
// config file and the environment.
func (o *options) loadApply() error {
	if err := o.v.Unmarshal(&o.apply); err != nil {
		return vterrors.Wrap(vterrors.WithCode(err, vterrors.InvalidArgument), "invalid apply configuration")
	}
	if err := o.v.Unmarshal(&o.db); err != nil {
		return vterrors.Wrap(vterrors.WithCode(err, vterrors.InvalidArgument), "invalid database configuration")
	}
	o.metricsAddr = o.v.GetString("metrics-addr")
	o.namespace = o.v.GetString("metrics-namespace")
	o.initTable = o.v.GetBool("init-position-table")
	return o.apply.Validate()
}

func (o *options) openJournal() (*relaylog.Journal, error) {
	if o.journalDir == "" {
		return nil, vterrors.New(vterrors.InvalidArgument, "--journal-dir is required")
	}
	return relaylog.Open(o.journalDir, relaylog.Options{NoSync: o.noSync})
}
