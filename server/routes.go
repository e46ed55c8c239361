// routes.go - Optionale Debug-HTTP-Oberflaeche
//
// Dieses Modul enthaelt:
// - serveDebugHTTP: gin-Router mit /api/version, /api/ps und /api/tags
//
// Die HTTP-Oberflaeche ist reine Betriebs-Observability und nur aktiv,
// wenn GGML_HOST gesetzt ist. Die Produkt-Oberflaeche bleibt der Bus.
package server

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/smspillaz/ggml-go/envconfig"
	"github.com/smspillaz/ggml-go/format"
	"github.com/smspillaz/ggml-go/version"
)

func (srv *Service) serveDebugHTTP(host string) error {
	gin.SetMode(gin.ReleaseMode)

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(corsConfig))

	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.Version})
	})

	r.GET("/api/ps", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"models": srv.registry.Loaded()})
	})

	r.GET("/api/tags", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"files": cachedModelFiles()})
	})

	httpSrv := &http.Server{Addr: host, Handler: r}

	go func() {
		<-srv.ctx.Done()
		httpSrv.Close()
	}()

	slog.Info("debug http surface listening", "addr", host)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

type cachedModelFile struct {
	Name string `json:"name"`
	Size string `json:"size"`
}

func cachedModelFiles() []cachedModelFile {
	entries, err := os.ReadDir(envconfig.Models())
	if err != nil {
		return nil
	}

	var files []cachedModelFile
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".bin" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, cachedModelFile{
			Name: entry.Name(),
			Size: format.HumanBytes2(uint64(info.Size())),
		})
	}

	return files
}
