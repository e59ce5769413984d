package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deye-bridge/deye-bridge/internal/pkg/credentials"
	"github.com/deye-bridge/deye-bridge/internal/pkg/deyeapi"
)

var (
	_devicesAsJSON bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the stations and devices visible to the configured credentials",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doDevices(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("deye.app-id", "deye.app-secret", "deye.email", "deye.password")
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&_devicesAsJSON, "json", false, "Return the device list as JSON")
	devicesCmd.Flags().String("app-id", "", "App ID from the Deye developer portal")
	devicesCmd.Flags().String("app-secret", "", "App Secret from the Deye developer portal")
	devicesCmd.Flags().String("email", "", "Deye Cloud account email")
	devicesCmd.Flags().String("password", "", "Deye Cloud account password")
	devicesCmd.Flags().String("base-url", "", "Deye Cloud API base URL (default EU region)")

	errPanic(viper.GetViper().BindPFlag("devices.json", devicesCmd.Flags().Lookup("json")))
	errPanic(viper.GetViper().BindPFlag("deye.app-id", devicesCmd.Flags().Lookup("app-id")))
	errPanic(viper.GetViper().BindPFlag("deye.app-secret", devicesCmd.Flags().Lookup("app-secret")))
	errPanic(viper.GetViper().BindPFlag("deye.email", devicesCmd.Flags().Lookup("email")))
	errPanic(viper.GetViper().BindPFlag("deye.password", devicesCmd.Flags().Lookup("password")))
	errPanic(viper.GetViper().BindPFlag("deye.base-url", devicesCmd.Flags().Lookup("base-url")))

	rootCmd.AddCommand(devicesCmd)
}

func doDevices() error {
	creds := credentials.NewStore(credentials.Config{
		BaseURL:   viper.GetString("deye.base-url"),
		AppID:     viper.GetString("deye.app-id"),
		AppSecret: viper.GetString("deye.app-secret"),
		Email:     viper.GetString("deye.email"),
		Password:  viper.GetString("deye.password"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client := deyeapi.NewLiveClient(viper.GetString("deye.base-url"), creds).WithTimeout(time.Second * 30)

	topo, err := client.Topology(ctx)
	if err != nil {
		return err
	}

	if viper.GetBool("devices.json") {
		b, err := json.MarshalIndent(topo, "", "    ")
		if err != nil {
			return err
		}

		fmt.Println(string(b))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SN\tNAME\tMODEL\tFIRMWARE\tSTATION")
	for _, d := range topo.Devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.SN, d.Name, d.Model, d.Firmware, d.StationID)
	}
	w.Flush()

	fmt.Printf("\n%d station(s), %d device(s)\n", len(topo.Stations), len(topo.Devices))

	return nil
}
