package cmd

import (
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/auth"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample users, permissions and a demo job for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		sqlDB, err := initDB(cfg.Database)
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer sqlDB.Close()

		db, err := initGorm(sqlDB)
		if err != nil {
			log.Fatalf("failed to init gorm: %v", err)
		}

		if clearData {
			clearSeedData(db)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte("password"), cfg.Security.BCryptCost)
		if err != nil {
			log.Fatalf("failed to hash password: %v", err)
		}

		// Hardhat's first two development accounts.
		employerWallet := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
		workerWallet := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

		employerID := seedUser(db, "employer@mail.com", "Demo Employer", internal.RoleEmployer, &employerWallet, hash)
		workerID := seedUser(db, "worker@mail.com", "Demo Worker", internal.RoleWorker, &workerWallet, hash)
		adminID := seedUser(db, "admin@mail.com", "Platform Admin", internal.RoleAdmin, nil, hash)

		permissions := []struct {
			Name string
			Desc string
		}{
			{auth.PermissionAdmin, "full administrator"},
			{auth.PermissionEscrowResolve, "Can resolve escrow disputes"},
			{auth.PermissionPaymentReconcile, "Can trigger payment reconciliation"},
		}

		for _, p := range permissions {
			var pid int64
			if err := db.Raw("SELECT id FROM permissions WHERE name = ?", p.Name).Row().Scan(&pid); err != nil {
				if err := db.Exec("INSERT INTO permissions (name, description, created_at) VALUES (?, ?, now())", p.Name, p.Desc).Error; err != nil {
					log.Fatalf("failed to insert permission %s: %v", p.Name, err)
				}
				if err := db.Raw("SELECT id FROM permissions WHERE name = ?", p.Name).Row().Scan(&pid); err != nil {
					log.Fatalf("permission not found after insert %s: %v", p.Name, err)
				}
			}

			var exists int
			if err := db.Raw("SELECT 1 FROM user_permissions WHERE user_id = ? AND permission_id = ?", adminID, pid).Row().Scan(&exists); err == nil {
				continue
			}

			if err := db.Exec("INSERT INTO user_permissions (user_id, permission_id, granted_by, created_at) VALUES (?, ?, NULL, now())", adminID, pid).Error; err != nil {
				log.Fatalf("failed to grant permission %s to admin user: %v", p.Name, err)
			}
		}
		fmt.Println("Admin permissions granted")

		var jobs int64
		if err := db.Raw("SELECT COUNT(*) FROM jobs WHERE employer_id = ?", employerID).Row().Scan(&jobs); err != nil {
			log.Fatalf("failed to count jobs: %v", err)
		}
		if jobs == 0 {
			jobID := uuid.New().String()
			if err := db.Exec(
				"INSERT INTO jobs (id, employer_id, worker_id, title, description, budget, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, 'open', now(), now())",
				jobID, employerID, workerID, "Landing page redesign", "Demo job for escrow settlement", "0.5",
			).Error; err != nil {
				log.Fatalf("failed to insert demo job: %v", err)
			}
			fmt.Println("Seeded demo job:", jobID)
		}

		fmt.Println("Seed data ready")
	},
}

func seedUser(db *gorm.DB, email, name string, role internal.Role, wallet *string, hash []byte) int64 {
	var id int64
	if err := db.Raw("SELECT id FROM users WHERE email = ?", email).Row().Scan(&id); err == nil {
		fmt.Printf("%s already exists\n", email)
		return id
	}

	if err := db.Exec(
		"INSERT INTO users (email, name, password_hash, role, wallet_address, total_earnings, is_active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, 0, true, now(), now())",
		email, name, string(hash), string(role), wallet,
	).Error; err != nil {
		log.Fatalf("failed to insert user %s: %v", email, err)
	}
	if err := db.Raw("SELECT id FROM users WHERE email = ?", email).Row().Scan(&id); err != nil {
		log.Fatalf("failed to lookup user %s: %v", email, err)
	}
	fmt.Println("Seeded user:", email)
	return id
}

func clearSeedData(db *gorm.DB) {
	for _, table := range []string{"payments", "jobs", "user_permissions", "permissions", "users"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			log.Fatalf("failed to clear %s: %v", table, err)
		}
	}
	fmt.Println("Existing data cleared")
}
