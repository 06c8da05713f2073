package facts

import (
	"context"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/droverops/drover/pkg/transport"
)

// Collect gathers facts over the transport. A transport failure aborts the
// collection; a probe that merely exits non-zero leaves its fact empty,
// since not every host has every tool.
func Collect(ctx context.Context, tr transport.Transport) (*Facts, error) {
	c := &prober{ctx: ctx, tr: tr}
	f := &Facts{}

	if release := c.out("cat /etc/os-release"); release != "" {
		parseOSRelease(release, f)
	}

	f.Kernel = c.out("uname -r")
	f.Architecture = c.out("uname -m")
	f.Hostname = c.out("hostname")
	f.FQDN = c.out("hostname -f")
	if f.FQDN == "" {
		f.FQDN = f.Hostname
	}

	parseDefaultRoute(c.out("ip -4 route get 1.1.1.1"), f)
	f.MemoryMB = parseMemTotal(c.out("cat /proc/meminfo"))
	if n, err := strconv.Atoi(c.out("nproc")); err == nil {
		f.CPUs = n
	}
	f.PackageManager = detectPackageManager(c.out("command -v apt-get dnf yum zypper apk || true"))
	f.InitSystem = c.out("cat /proc/1/comm")

	if c.err != nil {
		return nil, c.err
	}

	log.Debug().
		Str("hostname", f.Hostname).
		Str("os_family", f.OSFamily).
		Str("distribution", f.Distribution).
		Msg("facts collected")
	return f, nil
}

// prober runs probe commands and holds the first transport error so the
// call sites stay flat.
type prober struct {
	ctx context.Context
	tr  transport.Transport
	err error
}

func (p *prober) out(cmd string) string {
	if p.err != nil {
		return ""
	}
	res, err := p.tr.Run(p.ctx, cmd, transport.Options{})
	if err != nil {
		p.err = err
		return ""
	}
	if !res.Success() {
		return ""
	}
	return res.Out()
}

// parseOSRelease fills distribution facts from /etc/os-release.
func parseOSRelease(release string, f *Facts) {
	var idLike string
	for _, line := range strings.Split(release, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)

		switch key {
		case "ID":
			f.Distribution = value
		case "VERSION_ID":
			f.DistributionVersion = value
		case "ID_LIKE":
			idLike = value
		}
	}
	f.OSFamily = osFamily(f.Distribution, idLike)
}

// osFamily maps a distribution ID (plus its ID_LIKE ancestry) onto the
// coarse family name plays condition on.
func osFamily(id, idLike string) string {
	ids := append([]string{id}, strings.Fields(idLike)...)
	for _, candidate := range ids {
		switch candidate {
		case "debian", "ubuntu", "raspbian":
			return "Debian"
		case "rhel", "centos", "fedora", "rocky", "almalinux":
			return "RedHat"
		case "suse", "opensuse", "sles":
			return "Suse"
		case "alpine":
			return "Alpine"
		case "arch":
			return "Archlinux"
		}
	}
	if id == "" {
		return ""
	}
	return strings.ToUpper(id[:1]) + id[1:]
}

// parseDefaultRoute pulls the outgoing interface and source address from
// `ip route get` output.
func parseDefaultRoute(route string, f *Facts) {
	fields := strings.Fields(route)
	for i := 0; i < len(fields)-1; i++ {
		switch fields[i] {
		case "dev":
			f.DefaultInterface = fields[i+1]
		case "src":
			f.IPv4Address = fields[i+1]
		}
	}
}

// parseMemTotal converts the MemTotal line of /proc/meminfo to megabytes.
func parseMemTotal(meminfo string) int64 {
	for _, line := range strings.Split(meminfo, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb / 1024
		}
	}
	return 0
}

// detectPackageManager picks the first package manager found on PATH.
func detectPackageManager(output string) string {
	for _, line := range strings.Split(output, "\n") {
		switch path.Base(strings.TrimSpace(line)) {
		case "apt-get":
			return "apt"
		case "dnf":
			return "dnf"
		case "yum":
			return "yum"
		case "zypper":
			return "zypper"
		case "apk":
			return "apk"
		}
	}
	return ""
}
