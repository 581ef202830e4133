/*
Copyright © 2026 memdig

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/memdig/smkmdump/internal/colors"
	"github.com/memdig/smkmdump/pkg/emu"
	"github.com/memdig/smkmdump/pkg/smkm"
	"github.com/memdig/smkmdump/pkg/symdb"
)

func init() {
	rootCmd.AddCommand(offsetsCmd)

	offsetsCmd.Flags().StringP("symbols", "s", "", "YAML symbol map for the kernel (required)")
	offsetsCmd.Flags().StringP("field", "f", "", "Resolve a single field instead of all of them")
	offsetsCmd.Flags().Int("probe-size", 0, "Probe buffer size in bytes")
	offsetsCmd.Flags().Uint64("max", 0, "Max instructions to emulate per resolution")
	offsetsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	offsetsCmd.Flags().Bool("trace", false, "Print each memory access during emulation")
	offsetsCmd.Flags().String("state", "", "YAML file of extra initial register state")
	offsetsCmd.MarkFlagRequired("symbols")

	viper.BindPFlag("offsets.symbols", offsetsCmd.Flags().Lookup("symbols"))
	viper.BindPFlag("offsets.field", offsetsCmd.Flags().Lookup("field"))
	viper.BindPFlag("offsets.probe-size", offsetsCmd.Flags().Lookup("probe-size"))
	viper.BindPFlag("offsets.max", offsetsCmd.Flags().Lookup("max"))
	viper.BindPFlag("offsets.json", offsetsCmd.Flags().Lookup("json"))
	viper.BindPFlag("offsets.trace", offsetsCmd.Flags().Lookup("trace"))
	viper.BindPFlag("offsets.state", offsetsCmd.Flags().Lookup("state"))
}

// offsetsCmd represents the offsets command
var offsetsCmd = &cobra.Command{
	Use:   "offsets <ntoskrnl.exe>",
	Short: "Recover SMKM_STORE field offsets by forced emulation",
	Example: heredoc.Doc(`
		# Recover every known field
		❯ smkmdump offsets --symbols ntoskrnl.yaml ntoskrnl.exe
		# Resolve a single field, tracing each memory access
		❯ smkmdump offsets -s ntoskrnl.yaml -f StoreOwnerProcess --trace ntoskrnl.exe
		# JSON output for scripting
		❯ smkmdump offsets -s ntoskrnl.yaml --json ntoskrnl.exe`),
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		if cmd.Flags().Changed("color") || viper.IsSet("color") {
			c := viper.GetBool("color")
			colors.Init(&c)
		}

		// flags
		fieldName := viper.GetString("offsets.field")
		asJSON := viper.GetBool("offsets.json")

		img, err := symdb.OpenPE(filepath.Clean(args[0]))
		if err != nil {
			return fmt.Errorf("failed to open kernel image: %v", err)
		}
		var mapped uint64
		for _, m := range img.Mappings() {
			mapped += uint64(len(m.Data))
		}
		log.WithFields(log.Fields{
			"base": fmt.Sprintf("%#x", img.ImageBase),
			"code": humanize.Bytes(mapped),
		}).Debug("loaded kernel image")

		src, err := symdb.LoadSource(viper.GetString("offsets.symbols"))
		if err != nil {
			return err
		}
		if src.Is64Bit() != img.Is64Bit {
			return fmt.Errorf("symbol map is %d-bit but image is not", src.Bitness)
		}

		db, err := symdb.New(src, img)
		if err != nil {
			return err
		}

		var opts []smkm.Option
		if n := viper.GetInt("offsets.probe-size"); n > 0 {
			opts = append(opts, smkm.WithProbeLength(n))
		}
		if n := viper.GetUint64("offsets.max"); n > 0 {
			opts = append(opts, smkm.WithMaxInstructions(n))
		}
		if viper.GetBool("offsets.trace") {
			opts = append(opts, smkm.WithTrace(true))
		}
		if statePath := viper.GetString("offsets.state"); statePath != "" {
			state, err := emu.ParseState(statePath)
			if err != nil {
				return err
			}
			regs, err := state.Apply(nil)
			if err != nil {
				return err
			}
			opts = append(opts, smkm.WithRegisters(regs))
		}
		analyzer := smkm.NewAnalyzer(db, img, opts...)

		var report []smkm.FieldOffset
		if fieldName != "" {
			entry := smkm.FieldOffset{Field: fieldName}
			off, err := analyzer.Resolve(fieldName)
			if err != nil {
				entry.Error = err.Error()
			} else {
				entry.Offset = off
				entry.Resolved = true
			}
			report = append(report, entry)
		} else {
			report = analyzer.DumpOffsets()
		}

		if asJSON {
			data, err := json.Marshal(report)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("\nSMKM_STORE (%s):\n\n", analyzer.Arch())
		failed := 0
		for _, entry := range report {
			if entry.Resolved {
				fmt.Printf("  %s %s\n",
					colors.BoldGreen().Sprintf("%#06x", entry.Offset), entry.Field)
			} else {
				failed++
				fmt.Printf("  %s %s  (%s)\n",
					colors.BoldRed().Sprint("??????"), entry.Field, entry.Error)
			}
		}
		fmt.Println()
		if failed > 0 {
			return fmt.Errorf("failed to resolve %d of %d fields", failed, len(report))
		}

		return nil
	},
}
