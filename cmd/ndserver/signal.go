// +build linux darwin freebsd

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ndrelay/ndserver/internal/relay"
)

// installSignalHandlers generalizes the teacher's sigHandler
// (client/signal.go, which only reacts to SIGUSR1 to dump KCP's SNMP
// counters) into the full POSIX signal table spec.md §6 describes:
// SIGTERM/SIGINT trigger graceful shutdown, SIGPIPE is ignored (writes
// to a peer that reset the connection must surface as EPIPE from
// write(2), not kill the process), SIGUSR2 toggles trace logging,
// SIGHUP reopens the log file, and SIGCHLD is reaped.
func installSignalHandlers(servers []*relay.Server, logPath string) {
	signal.Ignore(syscall.SIGPIPE)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2, syscall.SIGHUP, syscall.SIGCHLD)

	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.Printf("ndserver: received %v, shutting down", sig)
				for _, srv := range servers {
					srv.Stop()
				}
				return
			case syscall.SIGUSR2:
				for _, srv := range servers {
					srv.SetTrace(!srv.Trace())
				}
				log.Println("ndserver: toggled trace logging on all listeners")
			case syscall.SIGHUP:
				reopenLog(logPath)
			case syscall.SIGCHLD:
				reapChildren()
			}
		}
	}()
}

// reopenLog reopens the configured log file in append mode, the
// standard "logrotate sends SIGHUP" dance. A no-op when logging to
// stderr (logPath empty).
func reopenLog(logPath string) {
	if logPath == "" {
		return
	}
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Printf("ndserver: reopen log file %s: %v", logPath, err)
		return
	}
	log.SetOutput(f)
}

// reapChildren drains any exited child processes. This server never
// forks children of its own, so in practice this only prevents zombies
// left behind by any descendant tooling launched alongside it.
func reapChildren() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
