// Command gomemcached runs the cache daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"

	"github.com/dropbox/godropbox/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dropbox/gomemcached/server"
)

// sysexits.h values the init path reports with.
const (
	exUsage = 64
	exOsErr = 71
)

// count implements a repeatable boolean flag, so -v -v behaves like
// the classic -vv.
type count int

func (c *count) String() string {
	return strconv.Itoa(int(*c))
}

func (c *count) Set(string) error {
	*c++
	return nil
}

func (c *count) IsBoolFlag() bool {
	return true
}

func usage() {
	fmt.Fprintf(os.Stderr, "gomemcached %s\n", server.Version)
	flag.PrintDefaults()
}

func main() {
	settings := server.DefaultSettings()

	var (
		verbose    count
		vv         bool
		vvv        bool
		memoryMB   uint64
		accessMask string
		daemonize  bool
		maxCore    bool
		username   string
		lockMemory bool
		pidFile    string
		largePages bool
		chunkSize  uint64
		delimiter  string
		license    bool
	)

	flag.IntVar(&settings.TCPPort, "p", settings.TCPPort,
		"TCP port to listen on")
	flag.IntVar(&settings.UDPPort, "U", settings.UDPPort,
		"UDP port to listen on (0 to disable)")
	flag.StringVar(&settings.UnixSocket, "s", "",
		"unix socket path to listen on (disables network support)")
	flag.StringVar(&accessMask, "a", "0700",
		"access mask for the unix socket, in octal")
	flag.StringVar(&settings.Interface, "l", "",
		"interface to listen on, default is all addresses")
	flag.BoolVar(&daemonize, "d", false,
		"run as a daemon (unsupported; use a process supervisor)")
	flag.BoolVar(&maxCore, "r", false,
		"maximize core file limit")
	flag.StringVar(&username, "u", "",
		"assume the identity of this user (when run as root)")
	flag.Uint64Var(&memoryMB, "m", 64,
		"max memory to use for items, in megabytes")
	flag.BoolVar(&settings.DisableEvictions, "M", false,
		"return error on memory exhausted instead of evicting")
	flag.IntVar(&settings.MaxConns, "c", settings.MaxConns,
		"max simultaneous connections")
	flag.BoolVar(&lockMemory, "k", false,
		"lock down all paged memory")
	flag.Var(&verbose, "v",
		"verbose (print errors/warnings; repeat for more)")
	flag.BoolVar(&vv, "vv", false,
		"very verbose (also print client commands/responses)")
	flag.BoolVar(&vvv, "vvv", false,
		"extremely verbose (also print internal state transitions)")
	flag.BoolVar(&license, "i", false,
		"print version information and exit")
	flag.StringVar(&pidFile, "P", "",
		"save PID in this file")
	flag.Float64Var(&settings.GrowthFactor, "f", settings.GrowthFactor,
		"chunk size growth factor")
	flag.Uint64Var(&chunkSize, "n", 48,
		"minimum space allocated for a key+value+flags")
	flag.IntVar(&settings.NumWorkers, "t", settings.NumWorkers,
		"number of worker threads")
	flag.StringVar(&delimiter, "D", "",
		"prefix delimiter that enables detailed stats collection")
	flag.BoolVar(&largePages, "L", false,
		"attempt to use large memory pages (unsupported on this runtime)")
	flag.IntVar(&settings.ReqsPerEvent, "R", settings.ReqsPerEvent,
		"max requests handled per connection wakeup")
	flag.BoolVar(&settings.DisableCas, "C", false,
		"disable use of CAS")
	flag.Usage = usage
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)

	if license {
		fmt.Printf("gomemcached %s\n", server.Version)
		os.Exit(0)
	}

	settings.Verbosity = int(verbose)
	if vv && settings.Verbosity < 2 {
		settings.Verbosity = 2
	}
	if vvv && settings.Verbosity < 3 {
		settings.Verbosity = 3
	}

	if settings.NumWorkers <= 0 || settings.ReqsPerEvent <= 0 ||
		settings.GrowthFactor <= 1.0 || chunkSize == 0 {
		log.Error("bad argument value")
		os.Exit(exUsage)
	}
	settings.MaxBytes = memoryMB * 1024 * 1024
	settings.ChunkSize = chunkSize

	if mask, err := strconv.ParseUint(accessMask, 8, 32); err == nil {
		settings.AccessMask = os.FileMode(mask)
	} else {
		log.Errorf("bad access mask %q", accessMask)
		os.Exit(exUsage)
	}

	if len(delimiter) > 1 {
		log.Error("prefix delimiter must be a single character")
		os.Exit(exUsage)
	}
	if delimiter != "" {
		settings.PrefixDelimiter = delimiter[0]
		settings.DetailEnabled = true
	}

	if daemonize {
		log.Error("-d is not supported; run under a process supervisor")
		os.Exit(exUsage)
	}
	if largePages {
		log.Warn("-L ignored: large pages are managed by the runtime")
	}

	if maxCore {
		raiseCoreLimit()
	}

	if err := dropPrivileges(username); err != nil {
		log.Errorf("%v", err)
		os.Exit(exOsErr)
	}

	if lockMemory {
		if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
			log.Warnf("mlockall failed: %v", err)
		}
	}

	if pidFile != "" {
		pid := []byte(strconv.Itoa(os.Getpid()) + "\n")
		if err := os.WriteFile(pidFile, pid, 0644); err != nil {
			log.Errorf("could not write pid file %s: %v", pidFile, err)
			os.Exit(1)
		}
		defer os.Remove(pidFile)
	}

	srv := server.New(settings)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutting down")
		srv.Shutdown()
	}()

	if err := srv.Run(); err != nil {
		log.Errorf("%v", err)
		os.Exit(exOsErr)
	}
}

// raiseCoreLimit lifts RLIMIT_CORE to its hard ceiling so crashes
// leave a usable core.
func raiseCoreLimit() {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &limit); err != nil {
		return
	}
	limit.Cur = limit.Max
	_ = unix.Setrlimit(unix.RLIMIT_CORE, &limit)
}

// dropPrivileges switches to the named user when running as root.
// Root without -u is refused outright.
func dropPrivileges(username string) error {
	if os.Geteuid() != 0 {
		return nil
	}

	if username == "" {
		return errors.New("can't run as root without the -u switch")
	}

	u, err := user.Lookup(username)
	if err != nil {
		return errors.Newf("can't find the user %s to switch to", username)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	if err := unix.Setgid(gid); err != nil {
		return errors.Wrapf(err, "failed to assume identity of group %d", gid)
	}
	if err := unix.Setuid(uid); err != nil {
		return errors.Wrapf(err, "failed to assume identity of user %s", username)
	}
	return nil
}
