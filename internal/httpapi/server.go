// Package httpapi serves the local REST surface of the node. It is a
// control plane for UIs and scripts, bound to loopback by default;
// peers never talk to it.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/core"
	"github.com/JeyyM/CSNETWK-MP/internal/node"
	"github.com/JeyyM/CSNETWK-MP/internal/tictactoe"
	"github.com/JeyyM/CSNETWK-MP/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// maxAvatarBytes caps uploaded avatars; the whole profile frame must
// still fit a single datagram.
const maxAvatarBytes = 32 * 1024

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	node *node.Node
}

// New constructs an Echo app with REST routes, plus websocket routes
// when a handler is given.
func New(n *node.Node, wsh ...*ws.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, node: n}
	s.registerRoutes()
	if len(wsh) > 0 && wsh[0] != nil {
		wsh[0].Register(e)
	}
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/peers", s.handlePeers)

	s.echo.GET("/api/posts", s.handlePosts)
	s.echo.POST("/api/posts", s.handleCreatePost)
	s.echo.POST("/api/posts/:id/like", s.handleLike)

	s.echo.GET("/api/conversations", s.handleConversations)
	s.echo.GET("/api/conversations/:peer", s.handleConversation)
	s.echo.POST("/api/chat", s.handleSendChat)

	s.echo.POST("/api/follow", s.handleFollow)
	s.echo.POST("/api/unfollow", s.handleUnfollow)

	s.echo.GET("/api/groups", s.handleGroups)
	s.echo.POST("/api/groups", s.handleCreateGroup)
	s.echo.POST("/api/groups/:id", s.handleUpdateGroup)
	s.echo.GET("/api/groups/:id/messages", s.handleGroupMessages)
	s.echo.POST("/api/groups/:id/messages", s.handleSendGroupChat)

	s.echo.GET("/api/transfers", s.handleTransfers)
	s.echo.POST("/api/files", s.handleOfferFile)
	s.echo.POST("/api/transfers/:id/accept", s.handleAcceptFile)
	s.echo.POST("/api/transfers/:id/reject", s.handleRejectFile)
	s.echo.POST("/api/transfers/:id/cancel", s.handleCancelTransfer)

	s.echo.GET("/api/games", s.handleGames)
	s.echo.POST("/api/games", s.handleInviteGame)
	s.echo.POST("/api/games/:id/respond", s.handleRespondGame)
	s.echo.POST("/api/games/:id/moves", s.handleSubmitMove)
	s.echo.POST("/api/games/:id/resign", s.handleResignGame)

	s.echo.POST("/api/profile", s.handleUpdateProfile)
	s.echo.POST("/api/profile/avatar", s.handleAvatarUpload)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

// httpError maps node errors onto HTTP statuses. Anything unrecognized
// is treated as a bad request, since node commands fail on input, not
// on internal state.
func httpError(err error) error {
	switch {
	case errors.Is(err, node.ErrUnknownPost),
		errors.Is(err, node.ErrUnknownGroup),
		errors.Is(err, node.ErrUnknownGame),
		errors.Is(err, node.ErrUnknownTransfer):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, node.ErrNotMember),
		errors.Is(err, core.ErrNotCreator):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, node.ErrGameState),
		errors.Is(err, node.ErrNotYourTurn),
		errors.Is(err, node.ErrTransferState),
		errors.Is(err, tictactoe.ErrCellTaken):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Self        string `json:"self"`
	Peers       int    `json:"peers"`
	ActivePeers int    `json:"active_peers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	total, active := s.node.Registry.Count()
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Self:        s.node.Self(),
		Peers:       total,
		ActivePeers: active,
	})
}

type profileResponse struct {
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

type stateResponse struct {
	Self      string              `json:"self"`
	Profile   profileResponse     `json:"profile"`
	Peers     []core.Peer         `json:"peers"`
	Posts     []core.PostView     `json:"posts"`
	Groups    []core.GroupView    `json:"groups"`
	Transfers []node.TransferView `json:"transfers"`
	Games     []node.GameView     `json:"games"`
	Following []string            `json:"following"`
	Followers []string            `json:"followers"`
}

func (s *Server) handleState(c echo.Context) error {
	displayName, status := s.node.Profile()
	return c.JSON(http.StatusOK, stateResponse{
		Self:      s.node.Self(),
		Profile:   profileResponse{DisplayName: displayName, Status: status},
		Peers:     s.node.Registry.Snapshot(),
		Posts:     s.node.Posts(false),
		Groups:    s.node.Groups.Snapshot(),
		Transfers: s.node.Transfers(),
		Games:     s.node.Games(),
		Following: s.node.Follows.Following(),
		Followers: s.node.Follows.Followers(),
	})
}

func (s *Server) handlePeers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Registry.Snapshot())
}

func (s *Server) handlePosts(c echo.Context) error {
	followed := c.QueryParam("followed") == "1" || c.QueryParam("followed") == "true"
	return c.JSON(http.StatusOK, s.node.Posts(followed))
}

type createPostRequest struct {
	Text string `json:"text"`
}

type idResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreatePost(c echo.Context) error {
	var req createPostRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.node.Post(req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

type likeRequest struct {
	Unlike bool `json:"unlike"`
}

func (s *Server) handleLike(c echo.Context) error {
	var req likeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.node.Like(c.Param("id"), req.Unlike); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleConversations(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Conversations.Peers())
}

func (s *Server) handleConversation(c echo.Context) error {
	entries := s.node.Conversations.Snapshot(c.Param("peer"))
	if entries == nil {
		entries = []core.ChatEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

type sendChatRequest struct {
	Peer string `json:"peer"`
	Text string `json:"text"`
}

func (s *Server) handleSendChat(c echo.Context) error {
	var req sendChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.node.SendChat(req.Peer, req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

type peerRequest struct {
	Peer string `json:"peer"`
}

func (s *Server) handleFollow(c echo.Context) error {
	var req peerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.node.Follow(req.Peer); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnfollow(c echo.Context) error {
	var req peerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.node.Unfollow(req.Peer); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGroups(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Groups.Snapshot())
}

type createGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func (s *Server) handleCreateGroup(c echo.Context) error {
	var req createGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.node.CreateGroup(req.Name, req.Members)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

type updateGroupRequest struct {
	Name   string   `json:"name"`
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

func (s *Server) handleUpdateGroup(c echo.Context) error {
	var req updateGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.node.UpdateGroup(c.Param("id"), req.Name, req.Add, req.Remove); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGroupMessages(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.node.Groups.Get(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, node.ErrUnknownGroup.Error())
	}
	msgs := s.node.Groups.Messages(id)
	if msgs == nil {
		msgs = []core.GroupMessage{}
	}
	return c.JSON(http.StatusOK, msgs)
}

type sendGroupChatRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendGroupChat(c echo.Context) error {
	var req sendGroupChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.node.SendGroupChat(c.Param("id"), req.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleTransfers(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Transfers())
}

type offerFileRequest struct {
	Peer        string `json:"peer"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

func (s *Server) handleOfferFile(c echo.Context) error {
	var req offerFileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.node.OfferFile(req.Peer, req.Path, req.Description)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleAcceptFile(c echo.Context) error {
	if err := s.node.AcceptFile(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRejectFile(c echo.Context) error {
	if err := s.node.RejectFile(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCancelTransfer(c echo.Context) error {
	if err := s.node.CancelTransfer(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGames(c echo.Context) error {
	return c.JSON(http.StatusOK, s.node.Games())
}

type inviteGameRequest struct {
	Peer   string `json:"peer"`
	Symbol string `json:"symbol"`
}

func (s *Server) handleInviteGame(c echo.Context) error {
	var req inviteGameRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.node.InviteGame(req.Peer, req.Symbol)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, idResponse{ID: id})
}

type respondGameRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleRespondGame(c echo.Context) error {
	var req respondGameRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.node.RespondGame(c.Param("id"), req.Accept); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type submitMoveRequest struct {
	Position int `json:"position"`
}

func (s *Server) handleSubmitMove(c echo.Context) error {
	var req submitMoveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.node.SubmitMove(c.Param("id"), req.Position); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResignGame(c echo.Context) error {
	if err := s.node.ResignGame(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
}

func (s *Server) handleUpdateProfile(c echo.Context) error {
	var req updateProfileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s.node.UpdateProfile(req.DisplayName, req.Status, "", nil)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAvatarUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}
	if fileHeader.Size > maxAvatarBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("avatar exceeds %d bytes", maxAvatarBytes))
	}
	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxAvatarBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read uploaded file: %v", err))
	}
	if len(data) > maxAvatarBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("avatar exceeds %d bytes", maxAvatarBytes))
	}
	contentType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	s.node.UpdateProfile("", "", contentType, data)
	return c.NoContent(http.StatusNoContent)
}
