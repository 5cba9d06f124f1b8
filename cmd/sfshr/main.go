// Command sfshr is the client half of the relay protocol: it uploads a
// file or directory and prints a download token, or fetches a blob back
// out given a token.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ondralukes/sfshr/internal/client"
	"github.com/ondralukes/sfshr/internal/logging"
	"github.com/ondralukes/sfshr/internal/ui"
)

// scratchFile is the working-directory temp file a transfer may leave
// behind; any fatal error removes it before exiting.
const scratchFile = ".sfshr-temp"

func main() {
	recv := flag.String("receive", "", "download token to fetch")
	flag.StringVar(recv, "r", "", "")
	noEncrypt := flag.Bool("no-encryption", false, "disable encryption")
	flag.BoolVar(noEncrypt, "n", false, "")
	quiet := flag.Bool("quiet", false, "suppress non-error output")
	flag.BoolVar(quiet, "q", false, "")
	serverAddr := flag.String("server", client.DefaultServerAddr, "relay address HOST:PORT")
	flag.StringVar(serverAddr, "s", client.DefaultServerAddr, "")
	tarOut := flag.String("tar", "", "keep the raw downloaded tar stream at NAME instead of extracting")
	flag.StringVar(tarOut, "t", "", "")
	compress := flag.Bool("compress", false, "enable zstd compression")
	flag.BoolVar(compress, "z", false, "")
	qr := flag.Bool("qr", false, "print the download token as a terminal QR code")
	help := flag.Bool("help", false, "show this help text")

	flag.Usage = printUsage
	flag.Parse()

	if *help {
		printUsage()
		return
	}

	if *quiet {
		logging.Quiet()
	}
	defer logging.Sync()

	var err error
	if *recv != "" {
		err = runDownload(*recv, *serverAddr, *tarOut, *compress, *quiet)
	} else {
		args := flag.Args()
		if len(args) != 1 {
			printUsage()
			os.Exit(2)
		}
		err = runUpload(args[0], *serverAddr, !*noEncrypt, *compress, *qr, *quiet)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%sTerminating due to an error (%v)%s\n", ui.Colors.Red, err, ui.Colors.Reset)
		if _, serr := os.Stat(scratchFile); serr == nil {
			_ = os.Remove(scratchFile)
		}
		os.Exit(1)
	}
}

func runUpload(path, addr string, encrypt, compress, showQR, quiet bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	start := time.Now()
	var lastPrint time.Time
	progress := func(sent int64) {
		if quiet {
			return
		}
		if time.Since(lastPrint) < 200*time.Millisecond {
			return
		}
		lastPrint = time.Now()
		elapsed := time.Since(start).Seconds()
		var speed float64
		if elapsed > 0 {
			speed = float64(sent) / elapsed
		}
		fmt.Fprintf(os.Stderr, "\r%s sent, %s      ", ui.FormatBytes(sent), ui.FormatSpeed(speed))
	}

	result, err := client.UploadPath(path, client.UploadOptions{
		ServerAddr:    addr,
		Encrypt:       encrypt,
		Compress:      compress,
		PreflightSize: info.Size(),
		Progress:      progress,
	})
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}

	token := client.EncodeToken(result.ID, result.Key)
	fmt.Println(token)

	if showQR {
		_ = ui.PrintQR(token)
	}

	if !quiet {
		fmt.Fprintf(os.Stderr, "%sUploaded %s (%s) in %s%s\n",
			ui.Colors.Green, filepath.Base(path), ui.FormatBytes(info.Size()), time.Since(start).Round(time.Millisecond), ui.Colors.Reset)
	}
	return nil
}

func runDownload(token, addr, tarOut string, decompress, quiet bool) error {
	tok, err := client.DecodeToken(token)
	if err != nil {
		return err
	}

	destDir, err := os.Getwd()
	if err != nil {
		return err
	}

	start := time.Now()
	var lastPrint time.Time
	progress := func(got int64) {
		if quiet {
			return
		}
		if time.Since(lastPrint) < 200*time.Millisecond {
			return
		}
		lastPrint = time.Now()
		fmt.Fprintf(os.Stderr, "\r%s received      ", ui.FormatBytes(got))
	}

	err = client.DownloadToken(tok, destDir, client.DownloadOptions{
		ServerAddr: addr,
		Decompress: decompress,
		KeepTarTo:  tarOut,
		Progress:   progress,
	})
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "%sDownloaded in %s%s\n", ui.Colors.Green, time.Since(start).Round(time.Millisecond), ui.Colors.Reset)
	}
	return nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "sfshr - ephemeral end-to-end file sharing")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  sfshr [FILE|DIR]        upload a file or directory, print a download token")
	fmt.Fprintln(os.Stderr, "  sfshr -r TOKEN          download the blob named by TOKEN")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprintln(os.Stderr, "  -n, --no-encryption     disable client-side AES-256-CBC encryption")
	fmt.Fprintln(os.Stderr, "  -q, --quiet             suppress progress and status output")
	fmt.Fprintln(os.Stderr, "  -s, --server HOST:PORT  relay address (default "+client.DefaultServerAddr+")")
	fmt.Fprintln(os.Stderr, "  -t, --tar NAME          keep the raw downloaded tar stream instead of extracting")
	fmt.Fprintln(os.Stderr, "  -z, --compress          enable zstd compression before encryption/chunking")
	fmt.Fprintln(os.Stderr, "      --qr                print the download token as a terminal QR code")
	fmt.Fprintln(os.Stderr, "      --help              show this help text")
}
