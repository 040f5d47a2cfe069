package marketplace

import (
	"regexp"
	"sort"
	"strings"

	apperrors "McpHub/internal/errors"
	"McpHub/internal/models"

	"github.com/tidwall/gjson"
)

// inferOfficialInstall 优先使用远程地址（streamable-http 优先于 sse），否则按包类型生成 stdio 命令
func inferOfficialInstall(server gjson.Result) *models.InstallSpec {
	remotes := server.Get("remotes").Array()
	for _, want := range []string{"streamable-http", "sse"} {
		for _, remote := range remotes {
			kind := firstString(remote, "type", "transport_type")
			if kind != want || remote.Get("url").String() == "" {
				continue
			}
			spec := &models.InstallSpec{
				Transport: models.TransportType(kind).Normalize(),
				URL:       remote.Get("url").String(),
				Env:       envSpecs(remote),
			}
			remote.Get("headers").ForEach(func(_, h gjson.Result) bool {
				if spec.Headers == nil {
					spec.Headers = map[string]string{}
				}
				spec.Headers[h.Get("name").String()] = h.Get("value").String()
				return true
			})
			return spec
		}
	}

	for _, pkg := range server.Get("packages").Array() {
		if spec := packageInstall(pkg); spec != nil {
			return spec
		}
	}
	return nil
}

func packageInstall(pkg gjson.Result) *models.InstallSpec {
	kind := strings.ToLower(firstString(pkg, "registryType", "registry_type", "registry_name"))
	identifier := firstString(pkg, "identifier", "name")
	version := pkg.Get("version").String()
	if identifier == "" {
		return nil
	}
	env := envSpecs(pkg)

	switch kind {
	case "npm":
		target := identifier
		if version != "" && version != "latest" {
			target += "@" + version
		}
		return &models.InstallSpec{Transport: models.TransportStdio, Command: "npx", Args: []string{"-y", target}, Env: env}
	case "pypi":
		target := identifier
		if version != "" && version != "latest" {
			target += "==" + version
		}
		return &models.InstallSpec{Transport: models.TransportStdio, Command: "uvx", Args: []string{target}, Env: env}
	case "oci", "docker":
		args := []string{"run", "-i", "--rm"}
		for _, v := range env {
			args = append(args, "-e", v.Name)
		}
		image := identifier
		if version != "" && !strings.Contains(image, ":") {
			image += ":" + version
		}
		return &models.InstallSpec{Transport: models.TransportStdio, Command: "docker", Args: append(args, image), Env: env}
	}
	return nil
}

func envSpecs(r gjson.Result) []models.EnvVarSpec {
	vars := r.Get("environmentVariables")
	if !vars.Exists() {
		vars = r.Get("environment_variables")
	}
	var specs []models.EnvVarSpec
	vars.ForEach(func(_, v gjson.Result) bool {
		name := v.Get("name").String()
		if name == "" {
			return true
		}
		specs = append(specs, models.EnvVarSpec{
			Name:        name,
			Description: v.Get("description").String(),
			Required:    v.Get("isRequired").Bool() || v.Get("is_required").Bool(),
			Secret:      v.Get("isSecret").Bool() || v.Get("is_secret").Bool(),
		})
		return true
	})
	return specs
}

var unsafeIDChars = regexp.MustCompile(`[^a-z0-9-]+`)

// serverID 把目录条目 ID 转换为可用作服务器 ID 的短名
func serverID(id string) string {
	slug := unsafeIDChars.ReplaceAllString(strings.ToLower(lastSegment(id)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "server"
	}
	return slug
}

// Install 根据市场条目和用户提供的环境变量合成 ServerConfig
//
// 缺少必需的环境变量时返回配置错误，列出全部缺失的名称。
func Install(server models.MarketplaceServer, env map[string]string) (models.ServerConfig, error) {
	spec := server.Install
	if spec == nil {
		return models.ServerConfig{}, apperrors.New(apperrors.CodeConfiguration,
			"marketplace entry has no install information: "+server.ID)
	}

	var missing []string
	for _, v := range spec.Env {
		if v.Required && strings.TrimSpace(env[v.Name]) == "" {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return models.ServerConfig{}, apperrors.WithMetadata(apperrors.CodeConfiguration,
			"Missing required environment variables: "+strings.Join(missing, ", "),
			map[string]string{"server": server.ID})
	}

	cfg := models.ServerConfig{
		ID:          serverID(server.ID),
		Name:        server.Name,
		Description: server.Description,
		Enabled:     true,
		Transport: models.TransportConfig{
			Type:    spec.Transport.Normalize(),
			Command: spec.Command,
			Args:    append([]string(nil), spec.Args...),
			URL:     spec.URL,
		},
	}
	if len(env) > 0 && cfg.Transport.Type == models.TransportStdio {
		cfg.Transport.Env = make(map[string]string, len(env))
		for k, v := range env {
			if v != "" {
				cfg.Transport.Env[k] = v
			}
		}
	}
	if len(spec.Headers) > 0 {
		cfg.Transport.Headers = make(map[string]string, len(spec.Headers))
		for name, value := range spec.Headers {
			cfg.Transport.Headers[name] = expandPlaceholders(value, env)
		}
	}
	if err := cfg.Validate(); err != nil {
		return models.ServerConfig{}, apperrors.Wrap(apperrors.CodeConfiguration, "invalid install for "+server.ID, err)
	}
	return cfg, nil
}

// expandPlaceholders 替换头部模板中的 {NAME} 和 ${NAME}
func expandPlaceholders(value string, env map[string]string) string {
	for k, v := range env {
		value = strings.ReplaceAll(value, "${"+k+"}", v)
		value = strings.ReplaceAll(value, "{"+k+"}", v)
	}
	return value
}
