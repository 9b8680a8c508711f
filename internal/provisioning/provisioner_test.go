package provisioning_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"popup/internal/cloud"
	"popup/internal/cloud/cloudtest"
	"popup/internal/control"
	"popup/internal/keystore/keystoretest"
	"popup/internal/manifest"
	"popup/internal/provisioning"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"
)

// MockController implements control.Controller and records what it was asked to do
type MockController struct {
	Config   control.Config
	Commands []string
	Fetches  map[string]string
	FailOn   string
	Closed   bool
	// OnRun is called after a command is recorded
	OnRun func(command string)
}

func (m *MockController) Run(ctx context.Context, command string) error {
	m.Commands = append(m.Commands, command)
	if m.OnRun != nil {
		m.OnRun(command)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if command == m.FailOn {
		return errors.New("exit status 1")
	}
	return nil
}

func (m *MockController) Fetch(remotePath, localPath string) error {
	m.Fetches[remotePath] = localPath
	if err := os.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte("client profile"), 0o600)
}

func (m *MockController) Close() error {
	m.Closed = true
	return nil
}

// vanishingClient reports the instance as unknown after a number of describes
type vanishingClient struct {
	*cloudtest.Fake
	after int
	calls *int
}

func (v *vanishingClient) DescribeInstance(ctx context.Context, id string) (*cloud.Instance, error) {
	*v.calls++
	if *v.calls > v.after {
		return nil, fmt.Errorf("%w: %s", cloud.ErrInstanceNotFound, id)
	}
	return v.Fake.DescribeInstance(ctx, id)
}

var _ = Describe("Provisioner", func() {
	var (
		ctx     context.Context
		fake    *cloudtest.Fake
		home    string
		store   *manifest.Store
		backup  *keystoretest.MemoryBackup
		out     *bytes.Buffer
		prov    *provisioning.Provisioner
		started = time.Date(2013, 3, 1, 12, 0, 0, 0, time.UTC)
	)

	BeforeEach(func() {
		ctx = context.Background()
		fake = cloudtest.NewFake()
		home = GinkgoT().TempDir()
		store = manifest.New(home)
		backup = keystoretest.NewMemoryBackup()
		out = &bytes.Buffer{}
		prov = &provisioning.Provisioner{
			Client:       fake,
			Store:        store,
			Backup:       backup,
			Sizes:        provisioning.DefaultSizes(),
			BootInterval: time.Millisecond,
			LoginUser:    "ubuntu",
			Out:          out,
			Now:          func() time.Time { return started },
			NewTag:       func() string { return "tAg-0001" },
		}
	})

	Context("Create", func() {
		It("should provision a running popup and record it locally", func() {
			res, err := prov.Create(ctx, provisioning.Options{
				Identity: "jay",
				Size:     "micro",
				Client:   "acme",
				Lifetime: 12,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(res.PopupID).To(Equal("tAg-0001"))
			Expect(res.Name).To(Equal("popup-jay-tAg-0001"))
			Expect(res.PublicDNS).To(Equal("ec2-i-00000001.compute-1.amazonaws.com"))
			Expect(res.Fingerprint).To(HavePrefix("SHA256:"))
			Expect(res.ConnectionString).To(Equal(
				"ssh -i " + filepath.Join(home, ".popup", "keys", "popup-jay-tAg-0001.pem") +
					" ubuntu@ec2-i-00000001.compute-1.amazonaws.com"))

			By("creating the key pair and security group under the same name")
			Expect(fake.KeyPairs).To(HaveKey("popup-jay-tAg-0001"))
			Expect(fake.Groups).To(HaveKeyWithValue("popup-jay-tAg-0001", "sg-0001"))
			Expect(fake.Rules["sg-0001"]).To(Equal(provisioning.IngressRules()))

			By("launching one instance of the resolved size")
			Expect(fake.Launches).To(HaveLen(1))
			launch := fake.Launches[0]
			Expect(launch.ImageID).To(Equal("ami-7539b41c"))
			Expect(launch.InstanceType).To(Equal("t1.micro"))
			Expect(launch.KeyName).To(Equal("popup-jay-tAg-0001"))
			Expect(launch.SecurityGroupID).To(Equal("sg-0001"))
			Expect(launch.UserData).To(ContainSubstring(`delay: "+720"`))
			Expect(launch.StopOnShutdown).To(BeTrue())

			By("tagging the instance once it is running")
			inst, ok := fake.Instance(res.InstanceID)
			Expect(ok).To(BeTrue())
			Expect(inst.State).To(Equal(cloud.StateRunning))
			Expect(inst.Tags).To(HaveKeyWithValue("owner", "jay"))
			Expect(inst.Tags).To(HaveKeyWithValue("popup_id", "tAg-0001"))
			Expect(inst.Tags).To(HaveKeyWithValue("start_date", "20130301"))
			Expect(inst.Tags).To(HaveKeyWithValue("client", "acme"))

			By("writing key, manifest and ssh config with owner-only permissions")
			material := fake.KeyPairs["popup-jay-tAg-0001"]
			for _, path := range []string{res.KeyPath, res.RecordPath} {
				info, err := os.Stat(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(info.Mode().Perm()).To(Equal(os.FileMode(0o600)))
				content, err := os.ReadFile(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(content)).To(Equal(material))
			}
			Expect(filepath.Base(res.RecordPath)).To(Equal("20130301-ec2-i-00000001.compute-1.amazonaws.com-tAg-0001"))
			Expect(res.SSHConfigPath).To(BeAnExistingFile())

			By("mirroring the key to the backup")
			saved, found, err := backup.Load(ctx, "popup-jay-tAg-0001")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(saved).To(Equal(material))

			Expect(out.String()).To(Equal("...pending\n.\n"))
		})

		It("should omit the client tag when no client is given", func() {
			res, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "small"})
			Expect(err).NotTo(HaveOccurred())

			inst, _ := fake.Instance(res.InstanceID)
			Expect(inst.Tags).NotTo(HaveKey("client"))
			Expect(fake.Launches[0].InstanceType).To(Equal("m1.small"))
			Expect(fake.Launches[0].UserData).To(BeEmpty())
		})

		It("should print one dot per pending poll", func() {
			fake.BootPolls = 3
			_, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "micro"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.String()).To(Equal("...pending\n...\n"))
		})

		It("should keep waiting while a new instance is not yet visible", func() {
			fake.HiddenPolls = 2
			res, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "micro"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.PublicDNS).To(Equal("ec2-i-00000001.compute-1.amazonaws.com"))
			Expect(fake.CallCount("DescribeInstance")).To(Equal(4))
			Expect(out.String()).To(Equal("...pending\n...\n"))
		})

		It("should fail before any cloud call for an unknown size", func() {
			_, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "huge"})
			Expect(errors.Is(err, provisioning.ErrUnknownSize)).To(BeTrue())
			Expect(fake.Calls).To(BeEmpty())
		})

		It("should report an instance that does not come up running", func() {
			fake.BootState = cloud.StateTerminated
			_, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "micro"})
			Expect(errors.Is(err, provisioning.ErrNotRunning)).To(BeTrue())

			Expect(fake.CallCount("CreateTags")).To(Equal(0))
			records, err := store.Records()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())

			By("leaving created resources in place")
			Expect(fake.KeyPairs).To(HaveKey("popup-jay-tAg-0001"))
			Expect(fake.Groups).To(HaveKey("popup-jay-tAg-0001"))
		})

		It("should surface a tagging failure without writing a manifest", func() {
			fake.Errors["CreateTags"] = errors.New("RequestLimitExceeded")
			_, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "micro"})
			Expect(err).To(MatchError(ContainSubstring("tag instance")))
			Expect(err).To(MatchError(ContainSubstring("RequestLimitExceeded")))

			records, _ := store.Records()
			Expect(records).To(BeEmpty())
		})

		It("should stop authorizing rules at the first failure", func() {
			fake.Errors["AuthorizeIngress"] = errors.New("InvalidPermission.Duplicate")
			_, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "micro"})
			Expect(err).To(MatchError(ContainSubstring("authorize tcp 22-22")))
			Expect(fake.CallCount("AuthorizeIngress")).To(Equal(1))
			Expect(fake.CallCount("RunInstance")).To(Equal(0))
		})

		It("should stop polling when the context is cancelled", func() {
			fake.BootPolls = 1000
			prov.BootInterval = time.Hour
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := prov.Create(cctx, provisioning.Options{Identity: "jay", Size: "micro"})
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		})

		It("should require an identity", func() {
			_, err := prov.Create(ctx, provisioning.Options{Size: "micro"})
			Expect(err).To(HaveOccurred())
			Expect(fake.Calls).To(BeEmpty())
		})
	})

	Context("Bootstrap", func() {
		var ctrl *MockController

		BeforeEach(func() {
			ctrl = &MockController{Fetches: map[string]string{}}
			prov.Bootstrap = &provisioning.Bootstrap{
				User:     "ubuntu",
				Commands: []string{"sudo apt-get -y install openvpn", "sudo /opt/popup/make-client.sh"},
				Fetch:    []string{"/home/ubuntu/client.ovpn"},
				Timeout:  time.Second,
				Connect: func(_ context.Context, cfg control.Config) (control.Controller, error) {
					ctrl.Config = cfg
					return ctrl, nil
				},
			}
		})

		It("should run setup commands and fetch artifacts into the popup's config dir", func() {
			res, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "micro"})
			Expect(err).NotTo(HaveOccurred())

			Expect(ctrl.Config.Host).To(Equal(res.PublicDNS))
			Expect(ctrl.Config.User).To(Equal("ubuntu"))
			Expect(ctrl.Config.PrivateKeyPath).To(Equal(res.KeyPath))
			Expect(ctrl.Config.PopupID).To(Equal("tAg-0001"))
			Expect(ctrl.Commands).To(Equal(prov.Bootstrap.Commands))

			local := filepath.Join(home, ".popup", "config", "tAg-0001", "client.ovpn")
			Expect(ctrl.Fetches).To(HaveKeyWithValue("/home/ubuntu/client.ovpn", local))
			Expect(res.Artifacts).To(Equal([]string{local}))
			Expect(local).To(BeAnExistingFile())
			Expect(ctrl.Closed).To(BeTrue())
		})

		It("should fail on the first failing command", func() {
			ctrl.FailOn = "sudo apt-get -y install openvpn"
			_, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "micro"})
			Expect(err).To(MatchError(ContainSubstring("setup command 1 failed")))
			Expect(ctrl.Commands).To(HaveLen(1))
			Expect(ctrl.Fetches).To(BeEmpty())
			Expect(ctrl.Closed).To(BeTrue())
		})

		It("should report connection failures", func() {
			prov.Bootstrap.Connect = func(context.Context, control.Config) (control.Controller, error) {
				return nil, errors.New("SSH not available")
			}
			_, err := prov.Create(ctx, provisioning.Options{Identity: "jay", Size: "micro"})
			Expect(err).To(MatchError(ContainSubstring("bootstrap")))
			Expect(err).To(MatchError(ContainSubstring("SSH not available")))
		})

		It("should stop running commands once the context is cancelled", func() {
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			ctrl.OnRun = func(string) { cancel() }

			_, err := prov.Bootstrap.Run(runCtx, "ec2-1.compute-1.amazonaws.com", "unused.pem", "tAg-0001", GinkgoT().TempDir())
			Expect(err).To(MatchError(context.Canceled))
			Expect(ctrl.Commands).To(HaveLen(1))
			Expect(ctrl.Fetches).To(BeEmpty())
			Expect(ctrl.Closed).To(BeTrue())
		})

		It("should pass the context to the controller factory", func() {
			runCtx, cancel := context.WithCancel(ctx)
			cancel()
			prov.Bootstrap.Connect = func(c context.Context, _ control.Config) (control.Controller, error) {
				return nil, c.Err()
			}

			_, err := prov.Bootstrap.Run(runCtx, "ec2-1.compute-1.amazonaws.com", "unused.pem", "tAg-0001", GinkgoT().TempDir())
			Expect(err).To(MatchError(context.Canceled))
		})

		It("should abandon the SSH wait promptly when cancelled", func() {
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			Expect(err).NotTo(HaveOccurred())
			block, err := ssh.MarshalPrivateKey(priv, "")
			Expect(err).NotTo(HaveOccurred())
			keyPath := filepath.Join(GinkgoT().TempDir(), "popup.pem")
			Expect(os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600)).To(Succeed())

			runCtx, cancel := context.WithCancel(ctx)
			cancel()
			b := &provisioning.Bootstrap{
				User:     "ubuntu",
				Commands: []string{"true"},
				Timeout:  12 * time.Second,
			}

			start := time.Now()
			// TEST-NET-1 never answers
			_, err = b.Run(runCtx, "192.0.2.1", keyPath, "tAg-0001", GinkgoT().TempDir())
			Expect(err).To(MatchError(context.Canceled))
			Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
		})
	})
})

var _ = Describe("Waiting on instance state", func() {
	It("should return once the instance reaches the wanted state", func() {
		fake := cloudtest.NewFake()
		fake.AddInstance(cloud.Instance{ID: "i-1", State: cloud.StateRunning})
		Expect(fake.TerminateInstance(context.Background(), "i-1")).To(Succeed())

		var dots bytes.Buffer
		inst, err := provisioning.WaitFor(context.Background(), fake, "i-1", cloud.StateTerminated, time.Millisecond, &dots)
		Expect(err).NotTo(HaveOccurred())
		Expect(inst.State).To(Equal(cloud.StateTerminated))
		Expect(dots.String()).To(Equal("."))
	})

	It("should give up on an instance that never becomes visible", func() {
		fake := cloudtest.NewFake()
		_, err := provisioning.WaitWhile(context.Background(), fake, "i-missing", cloud.StatePending, time.Millisecond, nil)
		Expect(err).To(MatchError(cloud.ErrInstanceNotFound))
		Expect(fake.CallCount("DescribeInstance")).To(Equal(6))
	})

	It("should not tolerate not-found once the instance was seen", func() {
		fake := cloudtest.NewFake()
		fake.AddInstance(cloud.Instance{ID: "i-1", State: cloud.StatePending})
		calls := 0
		client := &vanishingClient{Fake: fake, after: 1, calls: &calls}

		_, err := provisioning.WaitWhile(context.Background(), client, "i-1", cloud.StatePending, time.Millisecond, nil)
		Expect(err).To(MatchError(cloud.ErrInstanceNotFound))
		Expect(calls).To(Equal(2))
	})

	It("should return other describe errors at once", func() {
		fake := cloudtest.NewFake()
		fake.AddInstance(cloud.Instance{ID: "i-1", State: cloud.StatePending})
		fake.Errors["DescribeInstance"] = errors.New("RequestLimitExceeded")

		_, err := provisioning.WaitWhile(context.Background(), fake, "i-1", cloud.StatePending, time.Millisecond, nil)
		Expect(err).To(MatchError(ContainSubstring("RequestLimitExceeded")))
		Expect(fake.CallCount("DescribeInstance")).To(Equal(1))
	})
})
