package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	stdopentracing "github.com/opentracing/opentracing-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-kit/kit/log"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/flagservice"
	"github.com/go-kit/rollout/flagtransport"
)

type clientOptions struct {
	addr    string
	timeout time.Duration
}

func (o *clientOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.addr, "addr", "localhost:8080", "Address of a flagsvc server")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "Request timeout")
}

// call runs fn against a remote service and prints its result as JSON.
func (o *clientOptions) call(fn func(context.Context, flagservice.Service) (interface{}, error)) error {
	svc, err := flagtransport.NewHTTPClient(o.addr, stdopentracing.GlobalTracer(), log.NewNopLogger())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	v, err := fn(ctx, svc)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func clientCommands() []*cobra.Command {
	o := &clientOptions{}
	flag := func(fn func(ctx context.Context, svc flagservice.Service, args []string) (feature.Flag, error)) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			return o.call(func(ctx context.Context, svc flagservice.Service) (interface{}, error) {
				return fn(ctx, svc, args)
			})
		}
	}

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print a flag",
		Args:  cobra.ExactArgs(1),
		RunE: flag(func(ctx context.Context, svc flagservice.Service, args []string) (feature.Flag, error) {
			return svc.Get(ctx, args[0])
		}),
	}

	var (
		listStatus string
		listPrefix string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List flags",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return o.call(func(ctx context.Context, svc flagservice.Service) (interface{}, error) {
				return svc.List(ctx, feature.Filter{Status: feature.Status(listStatus), KeyPrefix: listPrefix})
			})
		},
	}
	list.Flags().StringVar(&listStatus, "status", "", "Only list flags in this status")
	list.Flags().StringVar(&listPrefix, "prefix", "", "Only list flags whose key starts with this prefix")

	var req flagservice.CreateRequest
	var createStatus string
	create := &cobra.Command{
		Use:   "create KEY",
		Short: "Create a flag",
		Args:  cobra.ExactArgs(1),
		RunE: flag(func(ctx context.Context, svc flagservice.Service, args []string) (feature.Flag, error) {
			req.Key, req.Status = args[0], feature.Status(createStatus)
			if req.Name == "" {
				req.Name = args[0]
			}
			return svc.Create(ctx, req)
		}),
	}
	create.Flags().StringVar(&req.Name, "name", "", "Display name (defaults to the key)")
	create.Flags().StringVar(&req.Description, "description", "", "Description")
	create.Flags().StringVar(&createStatus, "status", "", "Initial status (DRAFT if empty)")
	create.Flags().BoolVar(&req.DefaultValue, "default", false, "Value served when the flag is not live")
	create.Flags().IntVar(&req.RolloutPercentage, "rollout", 0, "Rollout percentage")

	setRollout := &cobra.Command{
		Use:   "set-rollout KEY PERCENTAGE",
		Short: "Change the rollout percentage of a flag",
		Args:  cobra.ExactArgs(2),
		RunE: flag(func(ctx context.Context, svc flagservice.Service, args []string) (feature.Flag, error) {
			percentage, err := strconv.Atoi(args[1])
			if err != nil {
				return feature.Flag{}, feature.Invalid("rolloutPercentage", "%q is not a number", args[1])
			}
			return svc.SetRollout(ctx, args[0], percentage)
		}),
	}

	status := &cobra.Command{
		Use:   "status KEY STATUS",
		Short: "Change the status of a flag",
		Args:  cobra.ExactArgs(2),
		RunE: flag(func(ctx context.Context, svc flagservice.Service, args []string) (feature.Flag, error) {
			return svc.UpdateStatus(ctx, args[0], feature.Status(args[1]))
		}),
	}

	var remove bool
	enable := &cobra.Command{
		Use:   "enable KEY USER...",
		Short: "Add users to the allow list of a flag",
		Args:  cobra.MinimumNArgs(2),
		RunE: flag(func(ctx context.Context, svc flagservice.Service, args []string) (feature.Flag, error) {
			if remove {
				return svc.RemoveEnabledUsers(ctx, args[0], args[1:])
			}
			return svc.AddEnabledUsers(ctx, args[0], args[1:])
		}),
	}
	enable.Flags().BoolVar(&remove, "remove", false, "Remove the users instead")
	disable := &cobra.Command{
		Use:   "disable KEY USER...",
		Short: "Add users to the deny list of a flag",
		Args:  cobra.MinimumNArgs(2),
		RunE: flag(func(ctx context.Context, svc flagservice.Service, args []string) (feature.Flag, error) {
			if remove {
				return svc.RemoveDisabledUsers(ctx, args[0], args[1:])
			}
			return svc.AddDisabledUsers(ctx, args[0], args[1:])
		}),
	}
	disable.Flags().BoolVar(&remove, "remove", false, "Remove the users instead")

	evaluate := &cobra.Command{
		Use:   "evaluate KEY SUBJECT",
		Short: "Evaluate a flag for a subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return o.call(func(ctx context.Context, svc flagservice.Service) (interface{}, error) {
				return svc.Evaluate(ctx, args[0], args[1])
			})
		},
	}

	cmds := []*cobra.Command{get, list, create, setRollout, status, enable, disable, evaluate}
	for _, cmd := range cmds {
		o.addFlags(cmd.Flags())
	}
	return cmds
}
