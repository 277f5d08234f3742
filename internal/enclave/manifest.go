package enclave

import (
	"bytes"
	"os"
	"text/template"
)

// manifestTemplate is rendered in two passes: Go substitutes the [[ ]]
// fields, then gramine-manifest resolves the remaining Jinja expressions
// such as gramine.runtimedir().
const manifestTemplate = `libos.entrypoint = "[[ .Executable ]]"
loader.log_level = "[[ .LogLevel ]]"

loader.env.LD_LIBRARY_PATH = "/lib:[[ .ArchLibDir ]]:/usr/lib"
loader.env.OMP_NUM_THREADS = "[[ .NumThreads ]]"
loader.insecure__use_cmdline_argv = true
[[- range $key, $val := .Env ]]
loader.env.[[ $key ]] = "[[ $val ]]"
[[- end ]]

fs.mounts = [
  { path = "/lib", uri = "file:{{ gramine.runtimedir() }}" },
  { path = "/usr/lib", uri = "file:/usr/lib" },
  { path = "[[ .ArchLibDir ]]", uri = "file:[[ .ArchLibDir ]]" },
  { path = "[[ .Executable ]]", uri = "file:[[ .Executable ]]" },
  { type = "tmpfs", path = "/tmp/" },
  { type = "encrypted", path = "/encrypted/", uri = "file:[[ .EncryptedPath ]]/", key_name = "default" },
  { path = "/untrusted/", uri = "file:[[ .UntrustedPath ]]/" },
  { path = "/etc/passwd", uri = "file:/etc/passwd" }
]

fs.insecure__keys.default = "ffeeddccbbaa99887766554433221100"

sgx.debug = true
sgx.profile.mode = "ocall_outer"
sgx.enable_stats = true
sys.enable_sigterm_injection = true
sgx.enclave_size = "[[ .EnclaveSize ]]"
sgx.max_threads = [[ .MaxThreads ]]
sgx.edmm_enable = false

sgx.trusted_files = [
  "file:[[ .Executable ]]",
  "file:{{ gramine.runtimedir() }}/",
  "file:[[ .ExecutableDir ]]/",
  "file:[[ .ArchLibDir ]]/",
  "file:/etc/passwd"
]

sgx.allowed_files = [
  "file:[[ .UntrustedPath ]]/",
]
`

type manifestData struct {
	Executable    string
	ExecutableDir string
	LogLevel      string
	ArchLibDir    string
	NumThreads    int
	MaxThreads    int
	EnclaveSize   string
	EncryptedPath string
	UntrustedPath string
	Env           map[string]string
}

// renderManifest produces the intermediate template handed to
// gramine-manifest. When templatePath is empty the built-in template is
// used.
func renderManifest(templatePath string, data manifestData) ([]byte, error) {
	text := manifestTemplate
	if templatePath != "" {
		raw, err := os.ReadFile(templatePath)
		if err != nil {
			return nil, err
		}
		text = string(raw)
	}

	tmpl, err := template.New("manifest").Delims("[[", "]]").Parse(text)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
