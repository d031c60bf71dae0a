package discovery

// FindingType identifies the kind of exposure a finding represents.
type FindingType string

const (
	FindingGit     FindingType = "git"
	FindingSvn     FindingType = "svn"
	FindingHg      FindingType = "hg"
	FindingEnv     FindingType = "env"
	FindingDsStore FindingType = "ds_store"
	FindingConfig  FindingType = "config"
	FindingInfo    FindingType = "info"
	FindingDebug   FindingType = "debug"
	FindingBackup  FindingType = "backup"
	FindingLog     FindingType = "log"
	FindingPackage FindingType = "package"
	FindingAPI     FindingType = "api"
)

var findingTypeLabels = map[FindingType]string{
	FindingGit:     "Git Repository",
	FindingSvn:     "SVN Repository",
	FindingHg:      "Mercurial Repository",
	FindingEnv:     "Environment File",
	FindingDsStore: "DS_Store",
	FindingConfig:  "Config File",
	FindingInfo:    "Info File",
	FindingDebug:   "Debug/Admin",
	FindingBackup:  "Backup File",
	FindingLog:     "Log File",
	FindingPackage: "Package File",
	FindingAPI:     "API Endpoint",
}

// Label returns a human readable name for the finding type.
func (t FindingType) Label() string {
	if label, ok := findingTypeLabels[t]; ok {
		return label
	}
	return string(t)
}

func (t FindingType) String() string {
	return string(t)
}

const (
	GitHeadPath       = "/.git/HEAD"
	GitConfigPath     = "/.git/config"
	GitHeadHeader     = "ref: refs/heads/"
	SvnDBPath         = "/.svn/wc.db"
	SvnDBHeader       = "SQLite"
	HgManifestPath    = "/.hg/store/00manifest.i"
	EnvPath           = "/.env"
	DsStorePath       = "/.DS_Store"
	DsStoreHeader     = "\x00\x00\x00\x01Bud1"
	spaSizeThreshold  = 50000
	contentSampleSize = 1000
)

var HgManifestHeaders = []string{
	"\x00\x00\x00\x01",
	"\x00\x01\x00\x01",
	"\x00\x02\x00\x01",
	"\x00\x03\x00\x01",
}

var ConfigPaths = []string{
	"/config.php",
	"/config.php.bak",
	"/config.yml",
	"/config.json",
	"/settings.py",
	"/web.config",
	"/.htaccess",
	"/nginx.conf",
}

var InfoPaths = []string{
	"/robots.txt",
	"/sitemap.xml",
	"/crossdomain.xml",
	"/clientaccesspolicy.xml",
}

var DebugAdminPaths = []string{
	"/phpinfo.php",
	"/info.php",
	"/debug",
	"/debug/",
	"/admin",
	"/administrator",
	"/actuator",
	"/actuator/health",
	"/actuator/env",
	"/actuator/heapdump",
	"/heapdump",
	"/api/swagger",
	"/swagger.json",
	"/api-docs",
}

var BackupPaths = []string{
	"/backup",
	"/backup/",
	"/db.sql",
	"/database.sql",
	"/dump.sql",
	"/.DS_Store",
	"/Thumbs.db",
}

var LogPaths = []string{
	"/logs",
	"/log",
	"/error.log",
	"/access.log",
	"/debug.log",
}

var PackagePaths = []string{
	"/package.json",
	"/package-lock.json",
	"/composer.json",
	"/Gemfile",
	"/requirements.txt",
}

var APIPaths = []string{
	"/rest/admin",
	"/encryptionkeys",
}

// Category is a group of catalog paths checked with the generic path scanner.
type Category struct {
	// Function is the scan.functions key enabling the category.
	Function string
	Type     FindingType
	Paths    []string
}

var Categories = []Category{
	{Function: "config_files", Type: FindingConfig, Paths: ConfigPaths},
	{Function: "info_files", Type: FindingInfo, Paths: InfoPaths},
	{Function: "debug_admin", Type: FindingDebug, Paths: DebugAdminPaths},
	{Function: "backup_files", Type: FindingBackup, Paths: BackupPaths},
	{Function: "log_files", Type: FindingLog, Paths: LogPaths},
	{Function: "package_files", Type: FindingPackage, Paths: PackagePaths},
	{Function: "api_endpoints", Type: FindingAPI, Paths: APIPaths},
}
