package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFlash/pkg/elfimage"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/hexfile"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/pipeline"
	"github.com/OpenTraceLab/OpenTraceFlash/pkg/target"
)

var outputJSON bool

// ImageInfo is the inspect output.
type ImageInfo struct {
	Path       string        `json:"path"`
	Format     string        `json:"format"`
	Target     string        `json:"target,omitempty"`
	Entry      string        `json:"entry,omitempty"`
	TotalBytes int           `json:"total_bytes"`
	Segments   []SegmentInfo `json:"segments"`
}

// SegmentInfo describes one loadable range.
type SegmentInfo struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	VAddr   string `json:"vaddr,omitempty"`
	Size    int    `json:"size"`
	Region  string `json:"region,omitempty"`
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <executable|image.hex>",
	Short: "Show the loadable segments of an executable or hex image",
	Long: `Print the loadable contents of an ELF executable or an Intel HEX image:
load address, link address for relocated data, size and the memory region
of the linker memory map each segment falls into.

Examples:
  # Human-readable table
  otflash inspect target/thumbv7m-none-eabi/release/blinky

  # JSON for other tools
  otflash inspect --json blinky.hex`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().BoolVar(&outputJSON, "json", false,
		"output as JSON (for programmatic access)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mem, err := pipeline.LoadMemory(cfg)
	if err != nil {
		return err
	}

	info, err := inspectFile(args[0], cfg.TargetTriple, mem)
	if err != nil {
		return err
	}

	if outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Printf("Image:  %s (%s)\n", info.Path, info.Format)
	if info.Target != "" {
		fmt.Printf("Target: %s\n", info.Target)
	}
	if info.Entry != "" {
		fmt.Printf("Entry:  %s\n", info.Entry)
	}
	fmt.Printf("Loadable: %d bytes in %d segment(s)\n\n", info.TotalBytes, len(info.Segments))
	fmt.Printf("  %-3s %-10s  %-10s  %8s  %s\n", "#", "Address", "VAddr", "Size", "Region")
	for _, s := range info.Segments {
		fmt.Printf("  %-3d %-10s  %-10s  %8d  %s\n", s.Index, s.Address, s.VAddr, s.Size, s.Region)
	}
	return nil
}

func inspectFile(path, triple string, mem *target.MemoryLayout) (*ImageInfo, error) {
	isHex, err := looksLikeHex(path)
	if err != nil {
		return nil, err
	}

	region := func(addr uint64, size int) string {
		if mem == nil {
			return ""
		}
		if r, ok := mem.Find(addr, uint64(size)); ok {
			return r.Name
		}
		return "(none)"
	}

	if isHex {
		img, err := hexfile.DecodeFile(path)
		if err != nil {
			return nil, err
		}
		info := &ImageInfo{Path: path, Format: hexfile.FormatIHex, TotalBytes: img.Size()}
		if img.HasStart {
			info.Entry = fmt.Sprintf("0x%08X", img.Start)
		}
		for i, s := range img.Segments {
			info.Segments = append(info.Segments, SegmentInfo{
				Index:   i,
				Address: fmt.Sprintf("0x%08X", s.Addr),
				Size:    len(s.Data),
				Region:  region(uint64(s.Addr), len(s.Data)),
			})
		}
		return info, nil
	}

	t, err := target.ParseTriple(triple)
	if err != nil {
		return nil, err
	}
	et, err := t.ELF()
	if err != nil {
		return nil, err
	}
	img, err := elfimage.Load(path, et)
	if err != nil {
		return nil, err
	}
	info := &ImageInfo{
		Path:       path,
		Format:     "elf",
		Target:     fmt.Sprintf("%s (%s)", triple, et),
		Entry:      fmt.Sprintf("0x%08X", img.Entry),
		TotalBytes: img.Size(),
	}
	for i, s := range img.Segments {
		si := SegmentInfo{
			Index:   i,
			Address: fmt.Sprintf("0x%08X", s.Addr),
			Size:    len(s.Data),
			Region:  region(s.Addr, len(s.Data)),
		}
		if s.VAddr != s.Addr {
			si.VAddr = fmt.Sprintf("0x%08X", s.VAddr)
		}
		info.Segments = append(info.Segments, si)
	}
	return info, nil
}

// looksLikeHex reports whether the first non-blank byte is a record mark.
func looksLikeHex(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return false, nil
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b == ':', nil
	}
}
