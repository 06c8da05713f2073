// Package facts inspects a managed host and returns a typed snapshot of
// the properties plays most often branch on: distribution, kernel,
// network identity, memory, and the idioms of the platform (package
// manager, init system). Facts are gathered once per run per host and
// exposed to templates and guard conditions under the "facts" name.
package facts

// Facts is the snapshot of one host.
type Facts struct {
	Hostname            string `json:"hostname"`
	FQDN                string `json:"fqdn"`
	OSFamily            string `json:"os_family"`
	Distribution        string `json:"distribution"`
	DistributionVersion string `json:"distribution_version"`
	Kernel              string `json:"kernel"`
	Architecture        string `json:"architecture"`
	IPv4Address         string `json:"ipv4_address"`
	DefaultInterface    string `json:"default_interface"`
	MemoryMB            int64  `json:"memory_mb"`
	CPUs                int    `json:"cpus"`
	PackageManager      string `json:"package_manager"`
	InitSystem          string `json:"init_system"`
}

// Map returns the facts keyed the way templates and conditions address
// them: {{ .facts.os_family }} and facts["os_family"].
func (f *Facts) Map() map[string]any {
	return map[string]any{
		"hostname":             f.Hostname,
		"fqdn":                 f.FQDN,
		"os_family":            f.OSFamily,
		"distribution":         f.Distribution,
		"distribution_version": f.DistributionVersion,
		"kernel":               f.Kernel,
		"architecture":         f.Architecture,
		"ipv4_address":         f.IPv4Address,
		"default_interface":    f.DefaultInterface,
		"memory_mb":            f.MemoryMB,
		"cpus":                 f.CPUs,
		"package_manager":      f.PackageManager,
		"init_system":          f.InitSystem,
	}
}
